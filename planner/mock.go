package planner

import "context"

// MockGenerator is a test implementation of Generator with a fixed response
// queue, mirroring extract.MockExtractor and agentrpc.MockClient.
type MockGenerator struct {
	Responses []string
	Err       error

	Calls []MockCall
}

// MockCall records one GeneratePlan invocation.
type MockCall struct {
	Instruction    string
	ContextSummary string
}

// GeneratePlan implements Generator.
func (m *MockGenerator) GeneratePlan(_ context.Context, instruction, contextSummary string) (string, error) {
	m.Calls = append(m.Calls, MockCall{Instruction: instruction, ContextSummary: contextSummary})
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Responses) == 0 {
		return "", nil
	}
	idx := len(m.Calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}
