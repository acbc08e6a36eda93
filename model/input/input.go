package input

import (
	"fmt"

	"github.com/ollama/pagedattn/kvcache"
)

// Batch describes one forward pass over a set of sequences. It is built by
// the scheduler, read by the attention layers and discarded after the pass.
// A Batch references slot mappings and block tables owned by the block
// allocator and must not be modified while in use.
type Batch struct {
	// IsPrefill is true when each sequence contributes a span of prompt
	// tokens and false when it contributes exactly one decoded token.
	IsPrefill bool

	// CuSeqlensQ and CuSeqlensK hold batch size + 1 cumulative offsets
	// delimiting each sequence's query and key span in the flattened batch.
	CuSeqlensQ []int32
	CuSeqlensK []int32

	// MaxSeqlenQ and MaxSeqlenK are the longest query and key spans
	MaxSeqlenQ int
	MaxSeqlenK int

	// ContextLens is the number of cached tokens of each sequence. Only
	// used when decoding.
	ContextLens []int32

	// SlotMapping has one cache slot per input token, or kvcache.SlotSkip
	// for tokens whose keys and values are already cached.
	SlotMapping []int32

	// BlockTables lists the cache blocks of each sequence, oldest first.
	// It is nil for prefills that do not read from the cache.
	BlockTables [][]int32
}

func cumulative(lens []int) ([]int32, int) {
	cu := make([]int32, len(lens)+1)
	var longest int
	for i, n := range lens {
		cu[i+1] = cu[i] + int32(n)
		longest = max(longest, n)
	}
	return cu, longest
}

// NewPrefill builds a prefill batch from per-sequence query and key lengths.
// keyLens may be nil when each sequence attends only to its own new tokens.
func NewPrefill(queryLens, keyLens []int, slotMapping []int32, blockTables [][]int32) (*Batch, error) {
	if keyLens == nil {
		keyLens = queryLens
	}

	if len(keyLens) != len(queryLens) {
		return nil, fmt.Errorf("%w: %d query lengths but %d key lengths", kvcache.ErrShapeMismatch, len(queryLens), len(keyLens))
	}

	for i := range queryLens {
		if queryLens[i] < 0 || keyLens[i] < queryLens[i] {
			return nil, fmt.Errorf("%w: sequence %d has %d queries and %d keys", kvcache.ErrShapeMismatch, i, queryLens[i], keyLens[i])
		}
	}

	b := &Batch{
		IsPrefill:   true,
		SlotMapping: slotMapping,
		BlockTables: blockTables,
	}
	b.CuSeqlensQ, b.MaxSeqlenQ = cumulative(queryLens)
	b.CuSeqlensK, b.MaxSeqlenK = cumulative(keyLens)

	return b, b.Validate()
}

// NewDecode builds a decode batch where sequence i has contextLens[i] cached
// tokens, including the token decoded in this pass.
func NewDecode(contextLens []int32, slotMapping []int32, blockTables [][]int32) (*Batch, error) {
	b := &Batch{
		ContextLens: contextLens,
		SlotMapping: slotMapping,
		BlockTables: blockTables,
	}

	ones := make([]int, len(contextLens))
	lens := make([]int, len(contextLens))
	for i, n := range contextLens {
		ones[i] = 1
		lens[i] = int(n)
	}
	b.CuSeqlensQ, b.MaxSeqlenQ = cumulative(ones)
	b.CuSeqlensK, b.MaxSeqlenK = cumulative(lens)

	return b, b.Validate()
}

// NumSeqs is the number of sequences in the batch
func (b *Batch) NumSeqs() int {
	if b.IsPrefill {
		return max(len(b.CuSeqlensQ)-1, 0)
	}
	return len(b.ContextLens)
}

// NumQueryTokens is the number of query rows across all sequences
func (b *Batch) NumQueryTokens() int {
	if !b.IsPrefill {
		return len(b.ContextLens)
	}
	if len(b.CuSeqlensQ) == 0 {
		return 0
	}
	return int(b.CuSeqlensQ[len(b.CuSeqlensQ)-1])
}

// QuerySpan returns the half open range of query rows of sequence i
func (b *Batch) QuerySpan(i int) (int, int) {
	if !b.IsPrefill {
		return i, i + 1
	}
	return int(b.CuSeqlensQ[i]), int(b.CuSeqlensQ[i+1])
}

// KeyLen is the number of keys sequence i attends to
func (b *Batch) KeyLen(i int) int {
	if !b.IsPrefill {
		return int(b.ContextLens[i])
	}
	return int(b.CuSeqlensK[i+1] - b.CuSeqlensK[i])
}

func checkOffsets(name string, cu []int32, seqs int, longest int) error {
	if len(cu) != seqs+1 {
		return fmt.Errorf("%w: %s has %d offsets for %d sequences", kvcache.ErrShapeMismatch, name, len(cu), seqs)
	}

	if len(cu) > 0 && cu[0] != 0 {
		return fmt.Errorf("%w: %s must start at 0, have %d", kvcache.ErrShapeMismatch, name, cu[0])
	}

	for i := 1; i < len(cu); i++ {
		n := cu[i] - cu[i-1]
		if n < 0 {
			return fmt.Errorf("%w: %s is not monotonic at %d", kvcache.ErrShapeMismatch, name, i)
		}
		if longest > 0 && int(n) > longest {
			return fmt.Errorf("%w: %s span %d has length %d, longer than the maximum %d", kvcache.ErrShapeMismatch, name, i-1, n, longest)
		}
	}

	return nil
}

// Validate checks that the batch is internally consistent. It does not check
// block references against a cache; see kvcache.Paged.ValidateBlockTable.
func (b *Batch) Validate() error {
	if b.IsPrefill {
		seqs := max(len(b.CuSeqlensQ)-1, 0)
		if err := checkOffsets("cu_seqlens_q", b.CuSeqlensQ, seqs, b.MaxSeqlenQ); err != nil {
			return err
		}
		if err := checkOffsets("cu_seqlens_k", b.CuSeqlensK, seqs, b.MaxSeqlenK); err != nil {
			return err
		}

		for i := range seqs {
			if q, k := b.QuerySpan(i); b.KeyLen(i) < k-q {
				return fmt.Errorf("%w: sequence %d has %d queries but only %d keys", kvcache.ErrShapeMismatch, i, k-q, b.KeyLen(i))
			}
		}

		if b.BlockTables != nil && len(b.BlockTables) != seqs {
			return fmt.Errorf("%w: %d block tables for %d sequences", kvcache.ErrShapeMismatch, len(b.BlockTables), seqs)
		}

		return nil
	}

	if b.BlockTables == nil {
		return fmt.Errorf("%w: decode requires block tables", kvcache.ErrShapeMismatch)
	}

	if len(b.BlockTables) != len(b.ContextLens) {
		return fmt.Errorf("%w: %d block tables for %d sequences", kvcache.ErrShapeMismatch, len(b.BlockTables), len(b.ContextLens))
	}

	for i, n := range b.ContextLens {
		if n <= 0 {
			return fmt.Errorf("%w: sequence %d has context length %d", kvcache.ErrShapeMismatch, i, n)
		}
	}

	return nil
}
