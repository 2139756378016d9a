// Package sampling turns a logits vector into the next token id.
//
// The pipeline is fixed: logit bias, candidate construction, repetition
// penalties, then one of three temperature branches. The filtering
// primitives themselves sit behind the Primitives interface so the same
// pipeline runs against llama.cpp's implementations or the pure-Go Builtin.
package sampling

import "fmt"

// Params controls a single sampling call. It is read-only for the duration of
// a generation; callers build a fresh value per request.
type Params struct {
	// Temperature scales logits before the final draw. 0 = greedy, negative =
	// most probable after softmax.
	Temperature float32

	// TopK keeps the K highest logits. <= 0 means the whole vocabulary.
	TopK int

	// TopP keeps the smallest prefix whose cumulative probability reaches P.
	// 1.0 disables it.
	TopP float32

	// MinP drops tokens with probability below MinP * max probability.
	// 0 disables it.
	MinP float32

	// TfsZ is the tail-free sampling threshold. 1.0 disables it.
	TfsZ float32

	// TypicalP is the locally typical sampling mass. 1.0 disables it.
	TypicalP float32

	// PenaltyLastN is how many of the most recent tokens are penalized.
	// 0 disables penalties, negative means the whole window.
	PenaltyLastN int

	PenaltyRepeat  float32
	PenaltyFreq    float32
	PenaltyPresent float32

	// PenalizeNL allows the newline token to be penalized like any other.
	PenalizeNL bool

	// LogitBias is added to the raw logit of the keyed token ids.
	LogitBias map[int32]float32

	// NPrev is the length of the rolling window of previous tokens.
	NPrev int

	// NProbs raises the minimum number of candidates every filter keeps.
	NProbs int
}

// DefaultParams returns the defaults used for creative generation.
func DefaultParams() Params {
	return Params{
		Temperature:    0.80,
		TopK:           40,
		TopP:           0.95,
		MinP:           0.05,
		TfsZ:           1.00,
		TypicalP:       1.00,
		PenaltyLastN:   64,
		PenaltyRepeat:  1.10,
		PenaltyFreq:    0.00,
		PenaltyPresent: 0.00,
		PenalizeNL:     true,
		LogitBias:      map[int32]float32{},
		NPrev:          64,
		NProbs:         0,
	}
}

// Validate reports parameter combinations that cannot be sampled.
func (p Params) Validate() error {
	switch {
	case p.TopP < 0 || p.TopP > 1:
		return fmt.Errorf("sampling: top_p %.3f outside [0,1]", p.TopP)
	case p.MinP < 0 || p.MinP > 1:
		return fmt.Errorf("sampling: min_p %.3f outside [0,1]", p.MinP)
	case p.TypicalP < 0:
		return fmt.Errorf("sampling: typical_p %.3f is negative", p.TypicalP)
	case p.TfsZ < 0:
		return fmt.Errorf("sampling: tfs_z %.3f is negative", p.TfsZ)
	case p.PenaltyRepeat <= 0:
		return fmt.Errorf("sampling: repeat penalty %.3f must be positive", p.PenaltyRepeat)
	case p.NPrev < 0:
		return fmt.Errorf("sampling: n_prev %d is negative", p.NPrev)
	case p.NProbs < 0:
		return fmt.Errorf("sampling: n_probs %d is negative", p.NProbs)
	}
	return nil
}

// minKeep is the floor every filter honours.
func (p Params) minKeep() int {
	return max(1, p.NProbs)
}

// topK resolves the effective K for a vocabulary.
func (p Params) topK(vocab int) int {
	if p.TopK <= 0 {
		return vocab
	}
	return p.TopK
}

// penaltyWindow returns the slice of prev that repetition penalties see.
func (p Params) penaltyWindow(prev []int32) []int32 {
	n := p.PenaltyLastN
	if n < 0 || n > len(prev) {
		n = len(prev)
	}
	return prev[len(prev)-n:]
}
