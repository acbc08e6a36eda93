package attention

import (
	"math"

	"github.com/ollama/pagedattn/ml"
)

const chunkSize = 64

// memoryEfficient works on materialized per-sequence keys and values. The
// causal mask is an explicit additive bias and keys are processed in
// chunks so the score matrix is never held in full.
type memoryEfficient struct{}

func (memoryEfficient) Name() string { return "memory_efficient" }

// lowerTriangularBias returns a [queries, keys] bias with zeros where a
// query may attend and -Inf elsewhere
func lowerTriangularBias(s Sequence) *ml.Tensor {
	bias := ml.Zeros(s.QueryLen, s.KeyLen)
	data := bias.Data()
	for t := range s.QueryLen {
		for j := s.Visible(t, true); j < s.KeyLen; j++ {
			data[t*s.KeyLen+j] = float32(math.Inf(-1))
		}
	}
	return bias
}

func (memoryEfficient) Compute(p *Pass) error {
	group := p.Group()
	scores := make([]float64, chunkSize)
	acc := make([]float64, p.HeadDim)

	for _, s := range p.Seqs {
		if s.QueryLen == 0 {
			continue
		}

		key, value, err := p.KeyValues(s)
		if err != nil {
			return err
		}

		var bias *ml.Tensor
		if p.Causal() {
			bias = lowerTriangularBias(s)
		}

		for t := range s.QueryLen {
			q := p.Query.Row(s.QueryStart + t)
			out := p.Out.Row(s.QueryStart + t)

			for h := range p.NumHeads {
				kv := h / group
				qh := q[h*p.HeadDim : (h+1)*p.HeadDim]

				m, l := math.Inf(-1), 0.0
				clear(acc)

				for start := 0; start < s.KeyLen; start += chunkSize {
					n := min(chunkSize, s.KeyLen-start)

					chunkMax := math.Inf(-1)
					for j := range n {
						kh := key.Row(start + j)[kv*p.HeadDim : (kv+1)*p.HeadDim]

						var score float64
						for d := range qh {
							score += float64(qh[d]) * float64(kh[d])
						}
						score *= float64(p.Scale)

						if bias != nil {
							score += float64(bias.Row(t)[start+j])
						}

						scores[j] = score
						chunkMax = max(chunkMax, score)
					}

					if math.IsInf(chunkMax, -1) {
						// every key in the chunk is masked
						continue
					}

					mNew := max(m, chunkMax)
					corr := math.Exp(m - mNew)
					l *= corr
					for d := range acc {
						acc[d] *= corr
					}

					for j := range n {
						w := math.Exp(scores[j] - mNew)
						l += w

						vh := value.Row(start + j)[kv*p.HeadDim : (kv+1)*p.HeadDim]
						for d := range acc {
							acc[d] += w * float64(vh[d])
						}
					}
					m = mNew
				}

				if l == 0 {
					continue
				}

				oh := out[h*p.HeadDim : (h+1)*p.HeadDim]
				for d := range oh {
					oh[d] = float32(acc[d] / l)
				}
			}
		}
	}

	return nil
}
