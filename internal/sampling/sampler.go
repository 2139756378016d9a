package sampling

import (
	"errors"
	"fmt"
)

// ErrNoCandidates is returned when the logits vector is empty.
var ErrNoCandidates = errors.New("sampling: no candidates")

// Sampler runs the pipeline for one vocabulary.
//
// The order is fixed:
//
//	bias -> candidates -> penalties -> { temp < 0: softmax, take top
//	                                   { temp == 0: greedy
//	                                   { temp > 0: top-k -> tail-free -> typical
//	                                               -> top-p -> min-p -> temp -> draw
type Sampler struct {
	prims   Primitives
	params  Params
	newline int32
}

// New builds a sampler over prims. newline is the model's newline token id,
// used to exempt it from penalties when PenalizeNL is false.
func New(prims Primitives, params Params, newline int32) (*Sampler, error) {
	if prims == nil {
		return nil, errors.New("sampling: nil primitives")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{prims: prims, params: params, newline: newline}, nil
}

// Params returns the parameters the sampler was built with.
func (s *Sampler) Params() Params { return s.params }

// Sample selects the next token from logits. The logits slice is not
// modified; bias and penalties are applied to a copy held in st.
func (s *Sampler) Sample(logits []float32, st *State) (int32, error) {
	n := len(logits)
	if n == 0 {
		return -1, ErrNoCandidates
	}
	p := s.params

	data := st.candidates(n)
	for i, l := range logits {
		data[i] = TokenData{ID: int32(i), Logit: l}
	}
	for id, bias := range p.LogitBias {
		if id >= 0 && int(id) < n {
			data[id].Logit += bias
		}
	}
	c := &Candidates{Data: data}

	if window := p.penaltyWindow(st.Prev()); p.PenaltyLastN != 0 && len(window) > 0 {
		var nlLogit float32
		nlValid := s.newline >= 0 && int(s.newline) < n
		if nlValid {
			nlLogit = data[s.newline].Logit
		}
		s.prims.RepetitionPenalties(c, window, p.PenaltyRepeat, p.PenaltyFreq, p.PenaltyPresent)
		if nlValid && !p.PenalizeNL {
			if i := c.Find(s.newline); i >= 0 {
				c.Data[i].Logit = nlLogit
			}
		}
	}

	var id int32
	switch {
	case p.Temperature < 0:
		s.prims.Softmax(c)
		if c.Len() == 0 {
			return -1, ErrNoCandidates
		}
		id = c.Data[0].ID
	case p.Temperature == 0:
		id = s.prims.Greedy(c)
	default:
		keep := p.minKeep()
		s.prims.TopK(c, p.topK(n), keep)
		s.prims.TailFree(c, p.TfsZ, keep)
		s.prims.Typical(c, p.TypicalP, keep)
		s.prims.TopP(c, p.TopP, keep)
		s.prims.MinP(c, p.MinP, keep)
		s.prims.Temp(c, p.Temperature)
		id = s.prims.Sample(c)
	}

	if id < 0 || int(id) >= n {
		return -1, fmt.Errorf("sampling: selected id %d outside vocabulary of %d", id, n)
	}
	return id, nil
}
