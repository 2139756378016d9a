package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStateSeedsFromPromptTail(t *testing.T) {
	tests := []struct {
		name   string
		nPrev  int
		prompt []int32
		want   []int32
	}{
		{"short prompt zero filled", 4, []int32{7, 8}, []int32{0, 0, 7, 8}},
		{"exact fit", 3, []int32{1, 2, 3}, []int32{1, 2, 3}},
		{"long prompt keeps tail", 2, []int32{1, 2, 3, 4}, []int32{3, 4}},
		{"empty window", 0, []int32{1, 2}, []int32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewState(tt.nPrev, tt.prompt)
			assert.Equal(t, tt.want, st.Prev())
		})
	}
}

func TestAcceptKeepsLastN(t *testing.T) {
	st := NewState(3, nil)
	for id := int32(1); id <= 10; id++ {
		st.Accept(id)
	}
	assert.Equal(t, []int32{8, 9, 10}, st.Prev())
	assert.Equal(t, int32(10), st.Last())

	empty := NewState(0, nil)
	empty.Accept(5)
	assert.Empty(t, empty.Prev())
	assert.Equal(t, int32(-1), empty.Last())
}
