package extract

import "context"

// MockExtractor is a test implementation of Extractor.
type MockExtractor struct {
	Result map[string]any
	Err    error

	Calls []MockCall
}

// MockCall records one Extract invocation.
type MockCall struct {
	Source any
	Prompt string
	Schema string
}

// Extract implements Extractor.
func (m *MockExtractor) Extract(_ context.Context, source any, prompt string, schema string) (map[string]any, error) {
	m.Calls = append(m.Calls, MockCall{Source: source, Prompt: prompt, Schema: schema})
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Result, nil
}
