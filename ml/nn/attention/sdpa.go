package attention

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/pagedattn/ml"
)

// sdpa is the generic scaled dot-product kernel. Each sequence is
// transposed to a heads-major layout, kv heads are repeated to match the
// query heads and every head is computed with two matrix products.
type sdpa struct{}

func (sdpa) Name() string { return "sdpa" }

func general(t *ml.Tensor, head int) blas32.General {
	rows, cols := t.Dim(1), t.Dim(2)
	n := rows * cols
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: t.Data()[head*n : (head+1)*n]}
}

func (sdpa) Compute(p *Pass) error {
	for _, s := range p.Seqs {
		if s.QueryLen == 0 {
			continue
		}

		key, value, err := p.KeyValues(s)
		if err != nil {
			return err
		}

		lo, hi := s.QueryStart*p.NumHeads*p.HeadDim, (s.QueryStart+s.QueryLen)*p.NumHeads*p.HeadDim
		query, err := ml.NewTensor(p.Query.Data()[lo:hi], s.QueryLen, p.NumHeads, p.HeadDim)
		if err != nil {
			return err
		}

		query = Transpose(query)
		key, err = RepeatKV(Transpose(key), p.Group())
		if err != nil {
			return err
		}

		value, err = RepeatKV(Transpose(value), p.Group())
		if err != nil {
			return err
		}

		out := scaledDotProductAttention(query, key, value, p.Scale, p.Causal(), s)
		copy(p.Out.Data()[lo:hi], Transpose(out).Data())
	}

	return nil
}

// scaledDotProductAttention takes heads-major query [heads, queries, dim]
// and key, value [heads, keys, dim] with matching head counts and returns
// [heads, queries, dim].
func scaledDotProductAttention(query, key, value *ml.Tensor, scale float32, causal bool, s Sequence) *ml.Tensor {
	heads, queries, dim := query.Dim(0), query.Dim(1), query.Dim(2)
	keys := key.Dim(1)

	out := ml.Zeros(heads, queries, dim)
	scores := ml.Zeros(queries, keys)
	row := make([]float64, keys)

	for h := range heads {
		kq := blas32.General{Rows: queries, Cols: keys, Stride: keys, Data: scores.Data()}
		blas32.Gemm(blas.NoTrans, blas.Trans, scale, general(query, h), general(key, h), 0, kq)

		for t := range queries {
			r := kq.Data[t*keys : (t+1)*keys]
			visible := s.Visible(t, causal)
			for j := range r {
				if j < visible {
					row[j] = float64(r[j])
				} else {
					row[j] = math.Inf(-1)
				}
			}

			floats.AddConst(-floats.Max(row), row)
			for j := range row {
				row[j] = math.Exp(row[j])
			}
			floats.Scale(1/floats.Sum(row), row)

			for j := range r {
				r[j] = float32(row[j])
			}
		}

		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, kq, general(value, h), 0, general(out, h))
	}

	return out
}
