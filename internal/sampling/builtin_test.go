package sampling

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fromProbs builds candidates whose softmax reproduces probs.
func fromProbs(probs ...float64) *Candidates {
	c := &Candidates{}
	for i, p := range probs {
		c.Data = append(c.Data, TokenData{ID: int32(i), Logit: float32(math.Log(p))})
	}
	return c
}

func ids(c *Candidates) []int32 {
	out := make([]int32, 0, len(c.Data))
	for _, d := range c.Data {
		out = append(out, d.ID)
	}
	return out
}

// ---------------------------------------------------------------------------
// Softmax / ordering
// ---------------------------------------------------------------------------

func TestSoftmaxSortsAndNormalizes(t *testing.T) {
	b := NewBuiltin(1)
	c := fromProbs(0.2, 0.5, 0.3)
	b.Softmax(c)

	require.True(t, c.Sorted)
	assert.Equal(t, []int32{1, 2, 0}, ids(c))

	var sum float32
	for _, d := range c.Data {
		sum += d.P
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
	assert.InDelta(t, 0.5, c.Data[0].P, 1e-5)
}

func TestTopK(t *testing.T) {
	tests := []struct {
		name    string
		k       int
		minKeep int
		want    []int32
	}{
		{"k two", 2, 1, []int32{1, 2}},
		{"min keep wins", 1, 3, []int32{1, 2, 0}},
		{"k above size", 10, 1, []int32{1, 2, 0, 3}},
		{"k zero keeps all", 0, 1, []int32{1, 2, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fromProbs(0.2, 0.4, 0.3, 0.1)
			NewBuiltin(1).TopK(c, tt.k, tt.minKeep)
			assert.Equal(t, tt.want, ids(c))
			assert.True(t, c.Sorted)
		})
	}
}

// ---------------------------------------------------------------------------
// Probability filters
// ---------------------------------------------------------------------------

func TestTopP(t *testing.T) {
	c := fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).TopP(c, 0.7, 1)
	assert.Equal(t, []int32{0, 1}, ids(c))

	c = fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).TopP(c, 0.1, 3)
	assert.Len(t, c.Data, 3, "min keep must hold")

	c = fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).TopP(c, 1.0, 1)
	assert.False(t, c.Sorted, "p=1 is a no-op")
}

func TestMinP(t *testing.T) {
	c := fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).MinP(c, 0.5, 1)
	assert.Equal(t, []int32{0, 1}, ids(c))

	c = fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).MinP(c, 0.9, 2)
	assert.Equal(t, []int32{0, 1}, ids(c))

	c = fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).MinP(c, 0, 1)
	assert.Len(t, c.Data, 3)
}

func TestTailFree(t *testing.T) {
	c := fromProbs(0.7, 0.2, 0.05, 0.03, 0.02)
	NewBuiltin(1).TailFree(c, 0.5, 1)
	assert.Equal(t, []int32{0}, ids(c))

	c = fromProbs(0.7, 0.2, 0.05, 0.03, 0.02)
	NewBuiltin(1).TailFree(c, 1.0, 1)
	assert.Len(t, c.Data, 5, "z=1 is a no-op")

	c = fromProbs(0.6, 0.4)
	NewBuiltin(1).TailFree(c, 0.1, 1)
	assert.Len(t, c.Data, 2, "two candidates are never cut")
}

func TestTypical(t *testing.T) {
	c := fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).Typical(c, 0.5, 1)
	assert.Equal(t, []int32{1, 0}, ids(c))
	assert.False(t, c.Sorted)

	c = fromProbs(0.5, 0.3, 0.2)
	NewBuiltin(1).Typical(c, 0.1, 3)
	assert.Len(t, c.Data, 3)
}

// ---------------------------------------------------------------------------
// Penalties / selection
// ---------------------------------------------------------------------------

func TestRepetitionPenalties(t *testing.T) {
	c := &Candidates{Data: []TokenData{
		{ID: 0, Logit: 2.0},
		{ID: 1, Logit: -2.0},
		{ID: 2, Logit: 1.0},
	}, Sorted: true}

	NewBuiltin(1).RepetitionPenalties(c, []int32{0, 1, 1}, 2.0, 0.5, 0.25)

	assert.InDelta(t, 2.0/2-0.5-0.25, c.Data[0].Logit, 1e-6)
	assert.InDelta(t, -2.0*2-2*0.5-0.25, c.Data[1].Logit, 1e-6)
	assert.InDelta(t, 1.0, c.Data[2].Logit, 1e-6, "absent token untouched")
	assert.False(t, c.Sorted)
}

func TestRepetitionPenaltiesNeutral(t *testing.T) {
	c := &Candidates{Data: []TokenData{{ID: 0, Logit: 2.0}}, Sorted: true}
	NewBuiltin(1).RepetitionPenalties(c, []int32{0}, 1.0, 0, 0)
	assert.Equal(t, float32(2.0), c.Data[0].Logit)
	assert.True(t, c.Sorted)
}

func TestGreedyFirstMaxWins(t *testing.T) {
	c := &Candidates{Data: []TokenData{{ID: 4, Logit: 1}, {ID: 7, Logit: 3}, {ID: 9, Logit: 3}}}
	assert.Equal(t, int32(7), NewBuiltin(1).Greedy(c))
	assert.Equal(t, int32(-1), NewBuiltin(1).Greedy(&Candidates{}))
}

func TestSampleFollowsDistribution(t *testing.T) {
	b := NewBuiltin(7)
	zeros := 0
	const draws = 4000
	for i := 0; i < draws; i++ {
		if b.Sample(fromProbs(0.9, 0.1)) == 0 {
			zeros++
		}
	}
	assert.InDelta(t, 0.9, float64(zeros)/draws, 0.03)
}

func TestSampleSeeded(t *testing.T) {
	a, b := NewBuiltin(99), NewBuiltin(99)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Sample(fromProbs(0.25, 0.25, 0.25, 0.25)), b.Sample(fromProbs(0.25, 0.25, 0.25, 0.25)))
	}
}
