package kvcache

import (
	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/ollama/pagedattn/ml"
)

// storage is the flat backing array for one of the key or value caches.
// Offsets are in elements.
type storage interface {
	set(off int, src []float32)
	get(off int, dst []float32)

	// view returns the elements at [off, off+n) without copying if the
	// storage holds float32 data.
	view(off, n int) ([]float32, bool)
}

func newStorage(dtype ml.DType, n int) storage {
	switch dtype {
	case ml.DTypeF16:
		return make(f16Storage, n)
	case ml.DTypeBF16:
		return make(bf16Storage, n)
	default:
		return make(f32Storage, n)
	}
}

type f32Storage []float32

func (s f32Storage) set(off int, src []float32) { copy(s[off:off+len(src)], src) }
func (s f32Storage) get(off int, dst []float32) { copy(dst, s[off:off+len(dst)]) }

func (s f32Storage) view(off, n int) ([]float32, bool) {
	return s[off : off+n : off+n], true
}

type f16Storage []float16.Float16

func (s f16Storage) set(off int, src []float32) {
	for i, f := range src {
		s[off+i] = float16.Fromfloat32(f)
	}
}

func (s f16Storage) get(off int, dst []float32) {
	for i := range dst {
		dst[i] = s[off+i].Float32()
	}
}

func (s f16Storage) view(int, int) ([]float32, bool) { return nil, false }

type bf16Storage []bfloat16.BF16

func (s bf16Storage) set(off int, src []float32) {
	for i, f := range src {
		s[off+i] = bfloat16.FromFloat32(f)
	}
}

func (s bf16Storage) get(off int, dst []float32) {
	for i := range dst {
		dst[i] = bfloat16.ToFloat32(s[off+i])
	}
}

func (s bf16Storage) view(int, int) ([]float32, bool) { return nil, false }
