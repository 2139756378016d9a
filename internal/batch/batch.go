// Package batch holds the token batch submitted to a decode call: parallel
// per-slot arrays of token id, position, sequence ids and a logits flag.
//
// A Batch is either Go-backed (New) or a view over arrays owned by the
// backend (NewView). Either way every write goes through bounds-checked
// slices; the only place raw pointers are turned into slices is the backend
// that allocated them.
package batch

import (
	"fmt"
	"sync"
)

// Batch is a fixed-capacity set of token slots filled front to back.
type Batch struct {
	Token  []int32
	Pos    []int32
	NSeqID []int32
	SeqID  [][]int32
	Logits []int8

	n       int
	nSeqMax int

	release  func()
	freeOnce sync.Once
}

// New allocates a Go-backed batch of the given capacity. Each slot can carry
// up to nSeqMax sequence ids.
func New(capacity, nSeqMax int) *Batch {
	if capacity < 0 {
		capacity = 0
	}
	if nSeqMax < 1 {
		nSeqMax = 1
	}
	seq := make([][]int32, capacity)
	backing := make([]int32, capacity*nSeqMax)
	for i := range seq {
		seq[i] = backing[i*nSeqMax : (i+1)*nSeqMax : (i+1)*nSeqMax]
	}
	return &Batch{
		Token:   make([]int32, capacity),
		Pos:     make([]int32, capacity),
		NSeqID:  make([]int32, capacity),
		SeqID:   seq,
		Logits:  make([]int8, capacity),
		nSeqMax: nSeqMax,
	}
}

// NewView wraps arrays owned elsewhere (typically native memory). All slices
// must have the same length; release is invoked once by Free.
func NewView(token, pos, nSeqID []int32, seqID [][]int32, logits []int8, nSeqMax int, release func()) (*Batch, error) {
	c := len(token)
	if len(pos) != c || len(nSeqID) != c || len(seqID) != c || len(logits) != c {
		return nil, fmt.Errorf("batch: mismatched view lengths token=%d pos=%d n_seq_id=%d seq_id=%d logits=%d",
			c, len(pos), len(nSeqID), len(seqID), len(logits))
	}
	if nSeqMax < 1 {
		return nil, fmt.Errorf("batch: n_seq_max must be positive, got %d", nSeqMax)
	}
	for i, row := range seqID {
		if len(row) < nSeqMax {
			return nil, fmt.Errorf("batch: seq_id row %d holds %d ids, need %d", i, len(row), nSeqMax)
		}
	}
	return &Batch{
		Token:   token,
		Pos:     pos,
		NSeqID:  nSeqID,
		SeqID:   seqID,
		Logits:  logits,
		nSeqMax: nSeqMax,
		release: release,
	}, nil
}

// Len is the number of filled slots.
func (b *Batch) Len() int { return b.n }

// Cap is the number of slots the batch was created with.
func (b *Batch) Cap() int { return len(b.Token) }

// SeqMax is the number of sequence ids a single slot can carry.
func (b *Batch) SeqMax() int { return b.nSeqMax }

// Reset empties the batch without touching capacity.
func (b *Batch) Reset() { b.n = 0 }

// Add fills the next slot. It panics when the batch is full or when more
// sequence ids are given than the batch was sized for: both are sizing bugs
// in the caller, not runtime conditions.
func (b *Batch) Add(token, pos int32, seqIDs []int32, logits bool) {
	if b.n >= len(b.Token) {
		panic(fmt.Sprintf("batch: add past capacity %d", len(b.Token)))
	}
	if len(seqIDs) > b.nSeqMax {
		panic(fmt.Sprintf("batch: %d sequence ids exceed n_seq_max %d", len(seqIDs), b.nSeqMax))
	}
	i := b.n
	b.Token[i] = token
	b.Pos[i] = pos
	b.NSeqID[i] = int32(len(seqIDs))
	copy(b.SeqID[i], seqIDs)
	b.Logits[i] = 0
	if logits {
		b.Logits[i] = 1
	}
	b.n++
}

// SetLogits flips the logits flag of an already filled slot.
func (b *Batch) SetLogits(i int, on bool) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("batch: slot %d outside filled range [0,%d)", i, b.n))
	}
	b.Logits[i] = 0
	if on {
		b.Logits[i] = 1
	}
}

// LastLogitsIndex is the output index a sampler should read after decoding
// this batch.
func (b *Batch) LastLogitsIndex() int { return b.n - 1 }

// Free releases backend-owned storage. Safe to call more than once.
func (b *Batch) Free() {
	b.freeOnce.Do(func() {
		if b.release != nil {
			b.release()
		}
		b.n = 0
	})
}

var seqZero = []int32{0}

// FromPrompt resets b and fills it with tokens at positions 0..n-1 on
// sequence 0. Only the final slot requests logits.
func FromPrompt(b *Batch, tokens []int32) {
	b.Reset()
	for i, tok := range tokens {
		b.Add(tok, int32(i), seqZero, i == len(tokens)-1)
	}
}
