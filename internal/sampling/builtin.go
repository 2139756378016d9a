package sampling

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// Builtin implements Primitives in Go with the same semantics as the
// llama.cpp sampling functions. The random source is seeded once and owned
// by the Builtin; it is not safe for concurrent use.
type Builtin struct {
	rng *rand.Rand

	scratch []float32
	order   []int
	kept    []TokenData
}

// NewBuiltin returns primitives drawing from a source seeded with seed.
func NewBuiltin(seed int64) *Builtin {
	return &Builtin{rng: rand.New(rand.NewSource(seed))}
}

func byLogitDesc(a, b TokenData) int {
	return cmp.Compare(b.Logit, a.Logit)
}

// RepetitionPenalties divides positive logits (multiplies non-positive ones)
// by repeat for every candidate present in lastTokens, then subtracts the
// frequency and presence terms.
func (b *Builtin) RepetitionPenalties(c *Candidates, lastTokens []int32, repeat, freq, present float32) {
	if len(lastTokens) == 0 || (repeat == 1 && freq == 0 && present == 0) {
		return
	}
	counts := make(map[int32]int, len(lastTokens))
	for _, id := range lastTokens {
		counts[id]++
	}
	for i := range c.Data {
		n, ok := counts[c.Data[i].ID]
		if !ok {
			continue
		}
		if c.Data[i].Logit <= 0 {
			c.Data[i].Logit *= repeat
		} else {
			c.Data[i].Logit /= repeat
		}
		c.Data[i].Logit -= float32(n)*freq + present
	}
	c.Sorted = false
}

// Softmax sorts by descending logit and fills P.
func (b *Builtin) Softmax(c *Candidates) {
	if len(c.Data) == 0 {
		return
	}
	if !c.Sorted {
		slices.SortStableFunc(c.Data, byLogitDesc)
		c.Sorted = true
	}
	top := c.Data[0].Logit
	var sum float32
	for i := range c.Data {
		p := float32(math.Exp(float64(c.Data[i].Logit - top)))
		c.Data[i].P = p
		sum += p
	}
	for i := range c.Data {
		c.Data[i].P /= sum
	}
}

func (b *Builtin) TopK(c *Candidates, k, minKeep int) {
	if k <= 0 {
		k = len(c.Data)
	}
	k = min(max(k, minKeep), len(c.Data))
	if !c.Sorted {
		slices.SortStableFunc(c.Data, byLogitDesc)
		c.Sorted = true
	}
	c.Data = c.Data[:k]
}

// TailFree cuts where the normalized second derivative of the sorted
// probability curve accumulates past z.
func (b *Builtin) TailFree(c *Candidates, z float32, minKeep int) {
	if z >= 1 || len(c.Data) <= 2 {
		return
	}
	b.Softmax(c)

	n := len(c.Data)
	first := b.grow(n - 1)
	for i := 0; i < n-1; i++ {
		first[i] = c.Data[i].P - c.Data[i+1].P
	}
	second := first[:n-2]
	var sum float32
	for i := range second {
		second[i] = float32(math.Abs(float64(first[i] - first[i+1])))
		sum += second[i]
	}
	if sum > 1e-6 {
		for i := range second {
			second[i] /= sum
		}
	} else {
		for i := range second {
			second[i] = 1 / float32(len(second))
		}
	}

	last := n
	var cum float32
	for i, d := range second {
		cum += d
		if cum > z && i >= minKeep {
			last = i
			break
		}
	}
	c.Data = c.Data[:last]
}

// Typical keeps the tokens whose surprise is closest to the distribution's
// entropy until their mass exceeds p. The result is no longer sorted.
func (b *Builtin) Typical(c *Candidates, p float32, minKeep int) {
	if p >= 1 || len(c.Data) == 0 {
		return
	}
	b.Softmax(c)

	var entropy float64
	for _, d := range c.Data {
		if d.P > 0 {
			entropy -= float64(d.P) * math.Log(float64(d.P))
		}
	}

	n := len(c.Data)
	shifted := b.grow(n)
	for i, d := range c.Data {
		shifted[i] = float32(math.Abs(-math.Log(float64(d.P)) - entropy))
	}
	order := b.order[:0]
	for i := 0; i < n; i++ {
		order = append(order, i)
	}
	slices.SortStableFunc(order, func(x, y int) int { return cmp.Compare(shifted[x], shifted[y]) })
	b.order = order

	last := n
	var cum float32
	for i, idx := range order {
		cum += c.Data[idx].P
		if cum > p && i >= minKeep-1 {
			last = i + 1
			break
		}
	}

	kept := b.kept[:0]
	for _, idx := range order[:last] {
		kept = append(kept, c.Data[idx])
	}
	b.kept = kept
	c.Data = c.Data[:last]
	copy(c.Data, kept)
	c.Sorted = false
}

func (b *Builtin) TopP(c *Candidates, p float32, minKeep int) {
	if p >= 1 || len(c.Data) == 0 {
		return
	}
	b.Softmax(c)

	last := len(c.Data)
	var cum float32
	for i, d := range c.Data {
		cum += d.P
		if cum >= p && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	c.Data = c.Data[:last]
}

// MinP keeps tokens whose probability is at least p times the top one.
func (b *Builtin) MinP(c *Candidates, p float32, minKeep int) {
	if p <= 0 || len(c.Data) == 0 {
		return
	}
	b.Softmax(c)

	floor := c.Data[0].P * p
	i := 1
	for ; i < len(c.Data); i++ {
		if c.Data[i].P < floor && i >= minKeep {
			break
		}
	}
	c.Data = c.Data[:i]
}

func (b *Builtin) Temp(c *Candidates, temp float32) {
	for i := range c.Data {
		c.Data[i].Logit /= temp
	}
}

// Greedy returns the id with the highest logit, first one on ties.
func (b *Builtin) Greedy(c *Candidates) int32 {
	if len(c.Data) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(c.Data); i++ {
		if c.Data[i].Logit > c.Data[best].Logit {
			best = i
		}
	}
	return c.Data[best].ID
}

// Sample draws an id from the softmax distribution of c.
func (b *Builtin) Sample(c *Candidates) int32 {
	if len(c.Data) == 0 {
		return -1
	}
	b.Softmax(c)

	var total float64
	for _, d := range c.Data {
		total += float64(d.P)
	}
	r := b.rng.Float64() * total
	for _, d := range c.Data {
		r -= float64(d.P)
		if r < 0 {
			return d.ID
		}
	}
	return c.Data[len(c.Data)-1].ID
}

func (b *Builtin) grow(n int) []float32 {
	if cap(b.scratch) < n {
		b.scratch = make([]float32, n)
	}
	return b.scratch[:n]
}
