package kvcache

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"

	"github.com/ollama/pagedattn/format"
	"github.com/ollama/pagedattn/ml"
)

// SlotSkip marks a token whose key and value must not be written to the
// cache, for example because they are already cached as part of a shared
// prefix.
const SlotSkip = -1

type Options struct {
	NumBlocks  int
	BlockSize  int
	NumKVHeads int
	HeadDim    int

	// DType is the element type of the stored vectors. DTypeOther selects float32.
	DType ml.DType
}

// Paged stores keys and values in fixed size blocks. Both caches are
// logically shaped [num blocks, block size, kv heads, head dim] and a token
// is addressed by its slot, block*blockSize + offset.
//
// Paged does not allocate or free blocks: callers provide slot mappings and
// block tables produced by an external allocator. It performs no locking;
// concurrent writers must target disjoint slots.
type Paged struct {
	DType ml.DType

	numBlocks  int
	blockSize  int
	numKVHeads int
	headDim    int
	capacity   int

	keys, values storage
}

// elements multiplies dims, failing if the product or the size in bytes of
// a float32 key and value cache of that many elements overflows an int
func elements(dims ...int) (int, bool) {
	n := uint64(1)
	for _, d := range dims {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt/8 {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}

func NewPaged(opts Options) (*Paged, error) {
	if opts.NumBlocks <= 0 || opts.BlockSize <= 0 || opts.NumKVHeads <= 0 || opts.HeadDim <= 0 {
		return nil, fmt.Errorf("%w: invalid cache geometry (blocks: %d block size: %d kv heads: %d head dim: %d)",
			ErrShapeMismatch, opts.NumBlocks, opts.BlockSize, opts.NumKVHeads, opts.HeadDim)
	}

	dtype := opts.DType
	switch dtype {
	case ml.DTypeF32, ml.DTypeF16, ml.DTypeBF16:
	case ml.DTypeOther:
		dtype = ml.DTypeF32
	default:
		return nil, fmt.Errorf("unsupported cache type %v", dtype)
	}

	n, ok := elements(opts.NumBlocks, opts.BlockSize, opts.NumKVHeads, opts.HeadDim)
	if !ok {
		return nil, fmt.Errorf("%w: cache geometry overflows (blocks: %d block size: %d kv heads: %d head dim: %d)",
			ErrShapeMismatch, opts.NumBlocks, opts.BlockSize, opts.NumKVHeads, opts.HeadDim)
	}

	return &Paged{
		DType:      dtype,
		numBlocks:  opts.NumBlocks,
		blockSize:  opts.BlockSize,
		numKVHeads: opts.NumKVHeads,
		headDim:    opts.HeadDim,
		capacity:   opts.NumBlocks * opts.BlockSize,
		keys:       newStorage(dtype, n),
		values:     newStorage(dtype, n),
	}, nil
}

// NewLayers allocates an independent cache for each transformer layer
func NewLayers(layers int, opts Options) ([]*Paged, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("%w: invalid layer count %d", ErrShapeMismatch, layers)
	}

	caches := make([]*Paged, layers)
	var size int64
	for i := range caches {
		c, err := NewPaged(opts)
		if err != nil {
			return nil, err
		}
		caches[i] = c
		size += c.Bytes()
	}

	slog.Info("allocated kv cache", "layers", layers, "blocks", opts.NumBlocks, "block_size", opts.BlockSize,
		"dtype", caches[0].DType, "size", format.HumanBytes(size))
	return caches, nil
}

func (c *Paged) NumBlocks() int  { return c.numBlocks }
func (c *Paged) BlockSize() int  { return c.blockSize }
func (c *Paged) NumKVHeads() int { return c.numKVHeads }
func (c *Paged) HeadDim() int    { return c.headDim }

// Width is the number of elements stored per token, kv heads * head dim
func (c *Paged) Width() int { return c.numKVHeads * c.headDim }

// Capacity is the total number of token slots
func (c *Paged) Capacity() int { return c.capacity }

// Bytes is the memory used by the key and value caches together. NewPaged
// bounds the element count so this cannot overflow.
func (c *Paged) Bytes() int64 {
	return 2 * int64(c.capacity) * int64(c.Width()) * int64(c.DType.Size())
}

func (c *Paged) checkVectors(key, value *ml.Tensor) (int, error) {
	if key == nil || value == nil {
		return 0, fmt.Errorf("%w: key and value must be provided", ErrShapeMismatch)
	}

	n := key.Dim(0)
	if value.Dim(0) != n {
		return 0, fmt.Errorf("%w: key has %d tokens, value has %d", ErrShapeMismatch, n, value.Dim(0))
	}

	if n > 0 && (key.Len()/n != c.Width() || value.Len()/n != c.Width()) {
		return 0, fmt.Errorf("%w: vector width key %d value %d, cache width %d",
			ErrShapeMismatch, key.Len()/n, value.Len()/n, c.Width())
	}

	return n, nil
}

// Store writes the key and value vector of each token to the slot given by
// slotMapping. Key and value are shaped [tokens, kv heads, head dim]. Tokens
// mapped to SlotSkip are not written. The whole batch is validated before
// anything is written, so a failed Store leaves the cache untouched.
func (c *Paged) Store(key, value *ml.Tensor, slotMapping []int32) error {
	n, err := c.checkVectors(key, value)
	if err != nil {
		return err
	}

	if len(slotMapping) != n {
		return fmt.Errorf("%w: %d tokens but %d slot mappings", ErrShapeMismatch, n, len(slotMapping))
	}

	for i, slot := range slotMapping {
		if slot == SlotSkip {
			continue
		}

		if slot < 0 || int(slot) >= c.Capacity() {
			return fmt.Errorf("%w: token %d mapped to slot %d (block %d), cache has %d blocks",
				ErrInvalidBlockReference, i, slot, int(slot)/c.blockSize, c.numBlocks)
		}
	}

	width := c.Width()
	for i, slot := range slotMapping {
		if slot == SlotSkip {
			continue
		}

		off := int(slot) * width
		c.keys.set(off, key.Row(i))
		c.values.set(off, value.Row(i))
	}

	return nil
}

func (c *Paged) checkSlot(slot int) error {
	if slot < 0 || slot >= c.Capacity() {
		return fmt.Errorf("%w: slot %d outside of cache capacity %d", ErrInvalidBlockReference, slot, c.Capacity())
	}
	return nil
}

// Read returns copies of the key and value stored at slot
func (c *Paged) Read(slot int) ([]float32, []float32, error) {
	if err := c.checkSlot(slot); err != nil {
		return nil, nil, err
	}

	key := make([]float32, c.Width())
	value := make([]float32, c.Width())
	c.keys.get(slot*c.Width(), key)
	c.values.get(slot*c.Width(), value)
	return key, value, nil
}

// KeyRow returns the key vector of all kv heads at slot. For float32 caches
// the result aliases the cache; otherwise the vector is decoded into buf,
// which must hold Width() elements. The slot is not bounds checked.
func (c *Paged) KeyRow(slot int, buf []float32) []float32 {
	return row(c.keys, slot*c.Width(), c.Width(), buf)
}

// ValueRow is the value cache counterpart of KeyRow
func (c *Paged) ValueRow(slot int, buf []float32) []float32 {
	return row(c.values, slot*c.Width(), c.Width(), buf)
}

func row(s storage, off, n int, buf []float32) []float32 {
	if v, ok := s.view(off, n); ok {
		return v
	}

	buf = buf[:n]
	s.get(off, buf)
	return buf
}

// BlocksFor is the number of blocks needed to hold length tokens
func (c *Paged) BlocksFor(length int) int {
	return (length + c.blockSize - 1) / c.blockSize
}

// ValidateBlockTable checks that table covers length tokens and only
// references blocks that exist.
func (c *Paged) ValidateBlockTable(table []int32, length int) error {
	if length < 0 {
		return fmt.Errorf("%w: negative sequence length %d", ErrShapeMismatch, length)
	}

	needed := c.BlocksFor(length)
	if len(table) < needed {
		return fmt.Errorf("%w: %d tokens need %d blocks, block table has %d", ErrShapeMismatch, length, needed, len(table))
	}

	for i, block := range table[:needed] {
		if block < 0 || int(block) >= c.numBlocks {
			return fmt.Errorf("%w: block table entry %d is %d, cache has %d blocks", ErrInvalidBlockReference, i, block, c.numBlocks)
		}
	}

	return nil
}

// Slot translates a position within a sequence to its cache slot using the
// sequence's block table.
func (c *Paged) Slot(table []int32, pos int) int {
	return int(table[pos/c.blockSize])*c.blockSize + pos%c.blockSize
}

// Gather concatenates the blocks referenced by table in order and truncates
// the result to length tokens. The returned tensors are copies shaped
// [length, kv heads, head dim].
func (c *Paged) Gather(table []int32, length int) (*ml.Tensor, *ml.Tensor, error) {
	if err := c.ValidateBlockTable(table, length); err != nil {
		return nil, nil, err
	}

	key := ml.Zeros(length, c.numKVHeads, c.headDim)
	value := ml.Zeros(length, c.numKVHeads, c.headDim)

	width := c.Width()
	kd, vd := key.Data(), value.Data()
	for pos := 0; pos < length; {
		block := int(table[pos/c.blockSize])
		// copy the used part of the block in one go
		n := min(c.blockSize, length-pos)
		src := block * c.blockSize * width
		dst := pos * width
		c.keys.get(src, kd[dst:dst+n*width])
		c.values.get(src, vd[dst:dst+n*width])
		pos += n
	}

	return key, value, nil
}
