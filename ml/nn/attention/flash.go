package attention

import (
	"math"
)

// flash is the fused variable-length kernel. It streams keys and values row
// by row straight out of the cache blocks (or the fresh tensors) and keeps a
// running softmax per head, so gathered K/V are never materialized.
type flash struct{}

func (flash) Name() string { return "flash" }

func (flash) Compute(p *Pass) error {
	group := p.Group()
	width := p.NumKVHeads * p.HeadDim

	// running max, normalizer and weighted value sum for every query head
	m := make([]float64, p.NumHeads)
	l := make([]float64, p.NumHeads)
	acc := make([]float64, p.NumHeads*p.HeadDim)

	kbuf := make([]float32, width)
	vbuf := make([]float32, width)

	for _, s := range p.Seqs {
		for t := range s.QueryLen {
			q := p.Query.Row(s.QueryStart + t)
			out := p.Out.Row(s.QueryStart + t)

			for h := range m {
				m[h] = math.Inf(-1)
				l[h] = 0
			}
			clear(acc)

			for j := range s.Visible(t, p.Causal()) {
				var k, v []float32
				if s.Table != nil {
					slot := p.Cache.Slot(s.Table, j)
					k = p.Cache.KeyRow(slot, kbuf)
					v = p.Cache.ValueRow(slot, vbuf)
				} else {
					k = p.Key.Row(s.KeyStart + j)
					v = p.Value.Row(s.KeyStart + j)
				}

				for h := range p.NumHeads {
					kv := h / group
					qh := q[h*p.HeadDim : (h+1)*p.HeadDim]
					kh := k[kv*p.HeadDim : (kv+1)*p.HeadDim]
					vh := v[kv*p.HeadDim : (kv+1)*p.HeadDim]

					var score float64
					for d := range qh {
						score += float64(qh[d]) * float64(kh[d])
					}
					score *= float64(p.Scale)

					mNew := max(m[h], score)
					corr := math.Exp(m[h] - mNew)
					w := math.Exp(score - mNew)

					l[h] = l[h]*corr + w
					ah := acc[h*p.HeadDim : (h+1)*p.HeadDim]
					for d := range ah {
						ah[d] = ah[d]*corr + w*float64(vh[d])
					}
					m[h] = mNew
				}
			}

			for h := range p.NumHeads {
				if l[h] == 0 {
					continue
				}

				for d := range p.HeadDim {
					out[h*p.HeadDim+d] = float32(acc[h*p.HeadDim+d] / l[h])
				}
			}
		}
	}

	return nil
}
