package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromPromptLayout(t *testing.T) {
	tests := []struct {
		name   string
		tokens []int32
	}{
		{"single", []int32{1}},
		{"three", []int32{1, 15043, 3186}},
		{"long", []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(len(tt.tokens), 1)
			FromPrompt(b, tt.tokens)

			require.Equal(t, len(tt.tokens), b.Len())
			for i, tok := range tt.tokens {
				assert.Equal(t, tok, b.Token[i])
				assert.Equal(t, int32(i), b.Pos[i])
				assert.Equal(t, int32(1), b.NSeqID[i])
				assert.Equal(t, int32(0), b.SeqID[i][0])
				want := int8(0)
				if i == len(tt.tokens)-1 {
					want = 1
				}
				assert.Equal(t, want, b.Logits[i], "logits flag at slot %d", i)
			}
			assert.Equal(t, len(tt.tokens)-1, b.LastLogitsIndex())
		})
	}
}

func TestAddPastCapacityPanics(t *testing.T) {
	b := New(2, 1)
	b.Add(1, 0, []int32{0}, false)
	b.Add(2, 1, []int32{0}, true)
	assert.Panics(t, func() { b.Add(3, 2, []int32{0}, true) })
}

func TestAddTooManySequencesPanics(t *testing.T) {
	b := New(4, 1)
	assert.Panics(t, func() { b.Add(1, 0, []int32{0, 1}, false) })
}

func TestResetKeepsCapacity(t *testing.T) {
	b := New(3, 1)
	FromPrompt(b, []int32{7, 8, 9})
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 3, b.Cap())

	b.Add(42, 3, []int32{0}, true)
	assert.Equal(t, int32(42), b.Token[0])
	assert.Equal(t, int32(3), b.Pos[0])
	assert.Equal(t, 0, b.LastLogitsIndex())
}

func TestSetLogits(t *testing.T) {
	b := New(2, 1)
	b.Add(1, 0, []int32{0}, false)
	b.SetLogits(0, true)
	assert.Equal(t, int8(1), b.Logits[0])
	assert.Panics(t, func() { b.SetLogits(1, true) })
}

func TestNewViewValidates(t *testing.T) {
	rows := [][]int32{{0}, {0}}

	_, err := NewView(make([]int32, 2), make([]int32, 1), make([]int32, 2), rows, make([]int8, 2), 1, nil)
	assert.Error(t, err)

	_, err = NewView(make([]int32, 2), make([]int32, 2), make([]int32, 2), rows, make([]int8, 2), 2, nil)
	assert.Error(t, err, "rows shorter than n_seq_max must be rejected")

	released := 0
	b, err := NewView(make([]int32, 2), make([]int32, 2), make([]int32, 2), rows, make([]int8, 2), 1, func() { released++ })
	require.NoError(t, err)
	FromPrompt(b, []int32{5, 6})
	assert.Equal(t, int8(1), b.Logits[1])

	b.Free()
	b.Free()
	assert.Equal(t, 1, released)
}
