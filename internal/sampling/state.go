package sampling

// State is the per-generation sampling state: the rolling window of previous
// tokens and a reusable candidate buffer sized to the vocabulary.
type State struct {
	prev []int32
	cur  []TokenData
}

// NewState builds a window of length nPrev seeded with the tail of prompt.
// Slots the prompt cannot fill stay zero on the left.
func NewState(nPrev int, prompt []int32) *State {
	if nPrev < 0 {
		nPrev = 0
	}
	prev := make([]int32, nPrev)
	if len(prompt) > nPrev {
		prompt = prompt[len(prompt)-nPrev:]
	}
	copy(prev[nPrev-len(prompt):], prompt)
	return &State{prev: prev}
}

// Accept pushes id into the window, dropping the oldest entry.
func (s *State) Accept(id int32) {
	if len(s.prev) == 0 {
		return
	}
	copy(s.prev, s.prev[1:])
	s.prev[len(s.prev)-1] = id
}

// Prev returns the window oldest-first. The slice is owned by the state.
func (s *State) Prev() []int32 { return s.prev }

// Last returns the most recently accepted id, or -1 for an empty window.
func (s *State) Last() int32 {
	if len(s.prev) == 0 {
		return -1
	}
	return s.prev[len(s.prev)-1]
}

func (s *State) candidates(n int) []TokenData {
	if cap(s.cur) < n {
		s.cur = make([]TokenData, n)
	}
	return s.cur[:n]
}
