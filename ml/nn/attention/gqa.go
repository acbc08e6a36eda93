package attention

import (
	"fmt"

	"github.com/ollama/pagedattn/ml"
)

// Transpose swaps the first two dimensions of a rank 3 tensor, turning
// [tokens, heads, head dim] into [heads, tokens, head dim] and back.
func Transpose(t *ml.Tensor) *ml.Tensor {
	a, b, d := t.Dim(0), t.Dim(1), t.Dim(2)
	out := ml.Zeros(b, a, d)

	src, dst := t.Data(), out.Data()
	for i := range a {
		for j := range b {
			copy(dst[(j*a+i)*d:(j*a+i+1)*d], src[(i*b+j)*d:(i*b+j+1)*d])
		}
	}

	return out
}

// RepeatKV expands a heads-major [kv heads, tokens, head dim] tensor to
// [kv heads * n, tokens, head dim]. Each kv head is repeated n times in a
// row, so query head h lines up with kv head h/n.
func RepeatKV(t *ml.Tensor, n int) (*ml.Tensor, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: invalid repeat count %d", ErrShapeMismatch, n)
	}

	if n == 1 {
		return t, nil
	}

	heads := t.Dim(0)
	stride := t.Len() / max(heads, 1)

	shape := t.Shape()
	shape[0] = heads * n
	out := ml.Zeros(shape...)

	src, dst := t.Data(), out.Data()
	for h := range heads * n {
		kv := h / n
		copy(dst[h*stride:(h+1)*stride], src[kv*stride:(kv+1)*stride])
	}

	return out, nil
}
