package contextbuilder

import "github.com/meridian-ai/conductor/memory"

// Event is one memory graph mutation forwarded to a UI-facing consumer.
type Event struct {
	Kind    string // "node_stored" | "relationship_added"
	NodeID  string
	Summary string
	From    string
	To      string
}

const (
	EventNodeStored        = "node_stored"
	EventRelationshipAdded = "relationship_added"
)

// Observer implements memory.GraphObserver, forwarding mutation events to a
// buffered channel a UI layer drains — the same Emit-then-drain shape
// graph/emit.Emitter uses for workflow observability, so the module has one
// event-forwarding pattern rather than two. Sends are non-blocking: a full
// channel drops the event rather than stalling the Graph mutation that
// produced it.
type Observer struct {
	events chan Event
}

// NewObserver returns an Observer buffering up to capacity events.
func NewObserver(capacity int) *Observer {
	if capacity <= 0 {
		capacity = 64
	}
	return &Observer{events: make(chan Event, capacity)}
}

// Events returns the channel UI consumers read forwarded events from.
func (o *Observer) Events() <-chan Event {
	return o.events
}

// OnNodeStored implements memory.GraphObserver.
func (o *Observer) OnNodeStored(n *memory.Node) {
	o.send(Event{Kind: EventNodeStored, NodeID: n.ID, Summary: n.Summary})
}

// OnRelationshipAdded implements memory.GraphObserver.
func (o *Observer) OnRelationshipAdded(e *memory.Edge) {
	o.send(Event{Kind: EventRelationshipAdded, From: e.From, To: e.To})
}

func (o *Observer) send(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}
