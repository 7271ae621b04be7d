// Package extract provides pluggable structured-data extraction from a
// source value, used by the workflow engine's Extract step and kept
// independent of any one LLM provider (Design Note "Extraction models":
// the engine must not embed an extractor implementation).
package extract

import "context"

// Extractor pulls structured output from source given a natural-language
// prompt and an optional target schema name.
type Extractor interface {
	Extract(ctx context.Context, source any, prompt string, schema string) (map[string]any, error)
}
