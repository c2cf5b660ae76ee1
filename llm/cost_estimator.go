package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// modelEncodings maps a model name prefix to its tiktoken encoding, mirroring
// the encoding OpenAI documents for its own model families. The longest
// matching prefix wins. A model outside this table falls back to
// cl100k_base, which prices GPT-3.5/4-era models closely enough for a
// routing estimate.
var modelEncodings = map[string]string{
	"gpt-4o":           "o200k_base",
	"gpt-4":            "cl100k_base",
	"gpt-3.5":          "cl100k_base",
	"text-embedding-3": "cl100k_base",
}

func encodingForModel(model string) string {
	best, enc := "", "cl100k_base"
	for prefix, e := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, enc = prefix, e
		}
	}
	return enc
}

// CostEstimator approximates prompt token counts with tiktoken so the
// cost-aware router and a provider driver's estimate_cost capability can
// price a request before dispatch, without waiting on a provider to report
// usage -- the only way to size a request ahead of a streaming call, where
// usage is not known until the stream ends.
type CostEstimator struct {
	mu   sync.Mutex
	encs map[string]*tiktoken.Tiktoken
}

// NewCostEstimator returns a CostEstimator with an empty encoding cache.
// Encodings load lazily on first use, keyed by tiktoken encoding name rather
// than by model, since several model families share one encoding.
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{encs: make(map[string]*tiktoken.Tiktoken)}
}

func (e *CostEstimator) encoding(name string) (*tiktoken.Tiktoken, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encs[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", name, err)
	}
	e.encs[name] = enc
	return enc, nil
}

// EstimateTokens counts the tokens req's messages would occupy under model's
// tokenizer, using the same per-message <|start|>role/content/<|end|>
// framing OpenAI's own chat token-counting guidance assumes.
func (e *CostEstimator) EstimateTokens(model string, messages []Message) (int, error) {
	enc, err := e.encoding(encodingForModel(model))
	if err != nil {
		return 0, err
	}
	total := 3 // conversation priming overhead
	for _, m := range messages {
		total += 4 // per-message role/content framing overhead
		total += len(enc.Encode(string(m.Role), nil, nil))
		total += len(enc.Encode(m.Content, nil, nil))
	}
	return total, nil
}

// EstimateCost prices tokens against entry's per-1k-token rate. Returns
// ErrUnsupportedModel (the driver capability's "unsupported_model" outcome)
// when entry carries no usable rate.
func (e *CostEstimator) EstimateCost(entry CostTableEntry, tokens int) (float64, error) {
	if entry.CostPer1kTokens <= 0 {
		return 0, ErrUnsupportedModel
	}
	return (float64(tokens) / 1000.0) * entry.CostPer1kTokens, nil
}
