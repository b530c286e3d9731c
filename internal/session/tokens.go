package session

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/tillerhq/tiller/pkg/types"
)

// fallbackEncoding covers models tiktoken has no mapping for.
const fallbackEncoding = "cl100k_base"

// EstimateTokens approximates how many context tokens a history occupies
// for the given model. The estimate feeds the context_update emitted after
// a host-side compaction; while an agent runs, its own reported counters
// stay authoritative.
func EstimateTokens(model string, history []types.Message) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		// Rough bytes-per-token heuristic when no encoding is available.
		total := 0
		for _, m := range history {
			total += len(m.Text()) / 4
		}
		return total
	}

	total := 0
	for _, m := range history {
		for _, part := range m.Parts {
			switch p := part.(type) {
			case *types.TextPart:
				total += len(enc.Encode(p.Text, nil, nil))
			case *types.ReasoningPart:
				total += len(enc.Encode(p.Text, nil, nil))
			case *types.ToolResultPart:
				total += len(enc.Encode(p.Content, nil, nil))
			case *types.ToolUsePart:
				total += len(enc.Encode(p.Name, nil, nil))
				total += len(enc.Encode(string(p.Arguments), nil, nil))
			}
		}
	}
	return total
}
