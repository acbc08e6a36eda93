package attention

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ollama/pagedattn/kvcache"
	"github.com/ollama/pagedattn/ml"
)

// ErrNoBackendAvailable is returned when no rung of the backend ladder can
// run on this host.
var ErrNoBackendAvailable = errors.New("no attention backend available")

// Backend computes causal attention for one forward pass. Implementations
// must agree numerically with each other; choosing one over another only
// changes performance.
type Backend interface {
	Name() string
	Compute(p *Pass) error
}

// Sequence locates one sequence of the batch.
type Sequence struct {
	// QueryStart and QueryLen select the query rows in the flattened batch
	QueryStart, QueryLen int

	// KeyStart is the first fresh key row of the sequence. It is only
	// meaningful when Table is nil.
	KeyStart int

	// KeyLen is the number of keys the sequence attends to
	KeyLen int

	// Table is the block table holding the sequence's keys and values, or
	// nil when they are read from the fresh tensors.
	Table []int32
}

// Visible is the number of keys query row t of s may attend to. Causal
// masks are aligned to the end of the key span, so the last query always
// sees every key.
func (s Sequence) Visible(t int, causal bool) int {
	if !causal {
		return s.KeyLen
	}
	return t + s.KeyLen - s.QueryLen + 1
}

// Pass holds the inputs and output of one Compute call. Query and Out are
// shaped [tokens, heads, head dim]. Key and Value are the fresh tensors
// shaped [tokens, kv heads, head dim].
type Pass struct {
	Mode Mode

	Query      *ml.Tensor
	Key, Value *ml.Tensor
	Cache      *kvcache.Paged

	Seqs []Sequence
	Out  *ml.Tensor

	NumHeads, NumKVHeads, HeadDim int
	Scale                         float32
}

// Causal reports whether queries are masked from later keys. Decode queries
// are the newest position of their sequence and need no mask.
func (p *Pass) Causal() bool {
	return p.Mode != ModeDecode
}

// Group is the number of query heads sharing each kv head
func (p *Pass) Group() int {
	return p.NumHeads / p.NumKVHeads
}

// KeyValues materializes the keys and values of s as [key len, kv heads, head dim]
func (p *Pass) KeyValues(s Sequence) (*ml.Tensor, *ml.Tensor, error) {
	if s.Table != nil {
		return p.Cache.Gather(s.Table, s.KeyLen)
	}

	width := p.NumKVHeads * p.HeadDim
	lo, hi := s.KeyStart*width, (s.KeyStart+s.KeyLen)*width

	key, err := ml.NewTensor(p.Key.Data()[lo:hi], s.KeyLen, p.NumKVHeads, p.HeadDim)
	if err != nil {
		return nil, nil, err
	}

	value, err := ml.NewTensor(p.Value.Data()[lo:hi], s.KeyLen, p.NumKVHeads, p.HeadDim)
	if err != nil {
		return nil, nil, err
	}

	return key, value, nil
}

type rung struct {
	supported func(ml.Capabilities) bool
	backend   Backend
}

// ladder lists the backends from fastest to most portable
var ladder = []rung{
	{ml.FlashAttentionSupported, flash{}},
	{func(c ml.Capabilities) bool { return c.MemoryEfficient }, memoryEfficient{}},
	{func(c ml.Capabilities) bool { return c.Generic }, sdpa{}},
}

// Backends returns the names of all backends in ladder order
func Backends() []string {
	names := make([]string, len(ladder))
	for i, r := range ladder {
		names[i] = r.backend.Name()
	}
	return names
}

// Select picks the backend for caps. A non-empty preferred name selects
// that backend if caps supports it; otherwise the first supported rung of
// the ladder is used.
func Select(caps ml.Capabilities, preferred string) (Backend, error) {
	if preferred != "" {
		found := false
		for _, r := range ladder {
			if r.backend.Name() != preferred {
				continue
			}

			found = true
			if r.supported(caps) {
				return r.backend, nil
			}
		}

		if found {
			slog.Warn("requested attention backend not supported, falling back", "backend", preferred, "capabilities", caps)
		} else {
			slog.Warn("unknown attention backend, falling back", "backend", preferred, "available", Backends())
		}
	}

	for _, r := range ladder {
		if r.supported(caps) {
			return r.backend, nil
		}
		slog.Debug("attention backend not supported", "backend", r.backend.Name(), "capabilities", caps)
	}

	return nil, fmt.Errorf("%w (capabilities: %v)", ErrNoBackendAvailable, caps)
}
