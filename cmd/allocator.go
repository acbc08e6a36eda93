package cmd

import (
	"errors"

	"github.com/emirpasic/gods/stacks/arraystack"
)

var errOutOfBlocks = errors.New("out of cache blocks")

// blockAllocator hands out cache blocks from a free list. It stands in for
// the scheduler's allocator when generating workloads and never evicts.
type blockAllocator struct {
	blockSize int
	free      *arraystack.Stack
}

func newBlockAllocator(numBlocks, blockSize int) *blockAllocator {
	free := arraystack.New()
	for i := numBlocks - 1; i >= 0; i-- {
		free.Push(int32(i))
	}
	return &blockAllocator{blockSize: blockSize, free: free}
}

func (a *blockAllocator) available() int {
	return a.free.Size()
}

type sequence struct {
	table  []int32
	length int
}

// reserve extends s by n tokens, taking new blocks as needed, and returns
// the slot of each new token
func (a *blockAllocator) reserve(s *sequence, n int) ([]int32, error) {
	slots := make([]int32, n)
	for i := range slots {
		pos := s.length + i
		if pos/a.blockSize >= len(s.table) {
			block, ok := a.free.Pop()
			if !ok {
				return nil, errOutOfBlocks
			}
			s.table = append(s.table, block.(int32))
		}

		slots[i] = s.table[pos/a.blockSize]*int32(a.blockSize) + int32(pos%a.blockSize)
	}

	s.length += n
	return slots, nil
}

func (a *blockAllocator) release(s *sequence) {
	for _, block := range s.table {
		a.free.Push(block)
	}
	s.table = nil
	s.length = 0
}
