package input

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/ollama/pagedattn/kvcache"
)

func TestNewPrefill(t *testing.T) {
	b, err := NewPrefill([]int{3, 1, 4}, nil, []int32{0, 1, 2, 3, 4, 5, 6, 7}, nil)
	assert.NilError(t, err)

	assert.Check(t, b.IsPrefill)
	assert.Check(t, is.DeepEqual([]int32{0, 3, 4, 8}, b.CuSeqlensQ))
	assert.Check(t, is.DeepEqual([]int32{0, 3, 4, 8}, b.CuSeqlensK))
	assert.Check(t, is.Equal(4, b.MaxSeqlenQ))
	assert.Check(t, is.Equal(3, b.NumSeqs()))
	assert.Check(t, is.Equal(8, b.NumQueryTokens()))

	start, end := b.QuerySpan(2)
	assert.Check(t, is.Equal(4, start))
	assert.Check(t, is.Equal(8, end))
	assert.Check(t, is.Equal(1, b.KeyLen(1)))
}

func TestNewPrefillWithPrefix(t *testing.T) {
	tables := [][]int32{{0, 1}, {2}}
	b, err := NewPrefill([]int{2, 1}, []int{6, 3}, []int32{4, 5, 10}, tables)
	assert.NilError(t, err)

	assert.Check(t, is.DeepEqual([]int32{0, 2, 3}, b.CuSeqlensQ))
	assert.Check(t, is.DeepEqual([]int32{0, 6, 9}, b.CuSeqlensK))
	assert.Check(t, is.Equal(6, b.MaxSeqlenK))
	assert.Check(t, is.Equal(6, b.KeyLen(0)))
}

func TestNewPrefillErrors(t *testing.T) {
	_, err := NewPrefill([]int{2, 1}, []int{2}, nil, nil)
	assert.ErrorIs(t, err, kvcache.ErrShapeMismatch)

	_, err = NewPrefill([]int{3}, []int{2}, nil, nil)
	assert.ErrorIs(t, err, kvcache.ErrShapeMismatch)

	_, err = NewPrefill([]int{1, 1}, nil, nil, [][]int32{{0}})
	assert.ErrorIs(t, err, kvcache.ErrShapeMismatch)
}

func TestNewDecode(t *testing.T) {
	b, err := NewDecode([]int32{5, 9}, []int32{4, 20}, [][]int32{{0, 1}, {4, 5, 6}})
	assert.NilError(t, err)

	assert.Check(t, !b.IsPrefill)
	assert.Check(t, is.Equal(2, b.NumSeqs()))
	assert.Check(t, is.Equal(2, b.NumQueryTokens()))
	assert.Check(t, is.DeepEqual([]int32{0, 1, 2}, b.CuSeqlensQ))
	assert.Check(t, is.DeepEqual([]int32{0, 5, 14}, b.CuSeqlensK))
	assert.Check(t, is.Equal(9, b.MaxSeqlenK))
	assert.Check(t, is.Equal(9, b.KeyLen(1)))

	start, end := b.QuerySpan(1)
	assert.Check(t, is.Equal(1, start))
	assert.Check(t, is.Equal(2, end))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		batch Batch
		ok    bool
	}{
		{"Empty", Batch{IsPrefill: true, CuSeqlensQ: []int32{0}, CuSeqlensK: []int32{0}}, true},
		{"NotStartingAtZero", Batch{IsPrefill: true, CuSeqlensQ: []int32{1, 2}, CuSeqlensK: []int32{0, 2}}, false},
		{"NotMonotonic", Batch{IsPrefill: true, CuSeqlensQ: []int32{0, 3, 2}, CuSeqlensK: []int32{0, 3, 4}}, false},
		{"OffsetCount", Batch{IsPrefill: true, CuSeqlensQ: []int32{0, 3}, CuSeqlensK: []int32{0, 3, 4}}, false},
		{"LongerThanMax", Batch{IsPrefill: true, CuSeqlensQ: []int32{0, 3}, CuSeqlensK: []int32{0, 3}, MaxSeqlenQ: 2}, false},
		{"FewerKeysThanQueries", Batch{IsPrefill: true, CuSeqlensQ: []int32{0, 3}, CuSeqlensK: []int32{0, 2}}, false},
		{"DecodeWithoutTables", Batch{ContextLens: []int32{1}}, false},
		{"DecodeTableCount", Batch{ContextLens: []int32{1, 2}, BlockTables: [][]int32{{0}}}, false},
		{"DecodeEmptyContext", Batch{ContextLens: []int32{0}, BlockTables: [][]int32{{0}}}, false},
		{"Decode", Batch{ContextLens: []int32{3}, BlockTables: [][]int32{{0}}}, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate()
			if tt.ok {
				assert.NilError(t, err)
			} else {
				assert.ErrorIs(t, err, kvcache.ErrShapeMismatch)
			}
		})
	}
}
