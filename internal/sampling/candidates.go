package sampling

// TokenData is one vocabulary entry under consideration. The field layout
// matches llama_token_data so a slice of it can be handed to the native
// sampler without copying.
type TokenData struct {
	ID    int32
	Logit float32
	P     float32
}

// Candidates is a view over the working set of a sampling step. Filters
// shrink Data in place; Sorted records that Data is ordered by descending
// logit.
type Candidates struct {
	Data   []TokenData
	Sorted bool
}

// Len is the number of surviving candidates.
func (c *Candidates) Len() int { return len(c.Data) }

// Find returns the index of id in Data, or -1.
func (c *Candidates) Find(id int32) int {
	for i := range c.Data {
		if c.Data[i].ID == id {
			return i
		}
	}
	return -1
}

// Primitives are the filtering and selection operations of the pipeline.
// Implementations mutate c in place and must keep at least minKeep entries
// where the operation takes that argument.
type Primitives interface {
	RepetitionPenalties(c *Candidates, lastTokens []int32, repeat, freq, present float32)
	Softmax(c *Candidates)
	TopK(c *Candidates, k, minKeep int)
	TailFree(c *Candidates, z float32, minKeep int)
	Typical(c *Candidates, p float32, minKeep int)
	TopP(c *Candidates, p float32, minKeep int)
	MinP(c *Candidates, p float32, minKeep int)
	Temp(c *Candidates, temp float32)
	Greedy(c *Candidates) int32
	Sample(c *Candidates) int32
}
