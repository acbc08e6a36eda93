package attention

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ollama/pagedattn/envconfig"
	"github.com/ollama/pagedattn/kvcache"
	"github.com/ollama/pagedattn/logutil"
	"github.com/ollama/pagedattn/ml"
	"github.com/ollama/pagedattn/model/input"
)

var (
	ErrShapeMismatch         = kvcache.ErrShapeMismatch
	ErrInvalidBlockReference = kvcache.ErrInvalidBlockReference
)

// Config is fixed when the executor is constructed
type Config struct {
	NumHeads   int
	HeadDim    int
	NumKVHeads int

	// Scale multiplies the attention scores. Zero means 1/√HeadDim.
	Scale float64
}

type Mode int

const (
	// ModePrefillFresh attends over the keys and values passed to Forward
	ModePrefillFresh Mode = iota

	// ModePrefillCached reads each sequence's keys and values, including
	// any cached prefix, back from the cache through its block table
	ModePrefillCached

	// ModeDecode attends one new query per sequence over its whole cached
	// context
	ModeDecode
)

func (m Mode) String() string {
	switch m {
	case ModePrefillFresh:
		return "prefill_fresh"
	case ModePrefillCached:
		return "prefill_cached"
	case ModeDecode:
		return "decode"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ModeOf(batch *input.Batch) Mode {
	switch {
	case !batch.IsPrefill:
		return ModeDecode
	case batch.BlockTables == nil:
		return ModePrefillFresh
	default:
		return ModePrefillCached
	}
}

// Executor computes causal self-attention for batches of sequences backed
// by a paged cache. It keeps no state between calls apart from the cache
// reference and the backend chosen at construction.
type Executor struct {
	cache   *kvcache.Paged
	cfg     Config
	scale   float32
	backend Backend
}

// New builds an executor over cache, which may be nil when only fresh
// prefills are run. The backend is selected from caps once; the
// OLLAMA_ATTENTION_BACKEND environment variable or WithBackend can request
// a specific one.
func New(cache *kvcache.Paged, cfg Config, caps ml.Capabilities, opts ...func(*Options)) (*Executor, error) {
	if cfg.NumHeads <= 0 || cfg.NumKVHeads <= 0 || cfg.HeadDim <= 0 {
		return nil, fmt.Errorf("%w: invalid attention config (heads: %d kv heads: %d head dim: %d)",
			ErrShapeMismatch, cfg.NumHeads, cfg.NumKVHeads, cfg.HeadDim)
	}

	if cfg.NumHeads%cfg.NumKVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads is not a multiple of %d kv heads", ErrShapeMismatch, cfg.NumHeads, cfg.NumKVHeads)
	}

	if cache != nil && (cache.NumKVHeads() != cfg.NumKVHeads || cache.HeadDim() != cfg.HeadDim) {
		return nil, fmt.Errorf("%w: cache has %d kv heads of dim %d, attention expects %d of dim %d",
			ErrShapeMismatch, cache.NumKVHeads(), cache.HeadDim(), cfg.NumKVHeads, cfg.HeadDim)
	}

	o := Options{Scale: cfg.Scale, Backend: envconfig.AttentionBackend()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.Scale == 0 {
		o.Scale = 1 / math.Sqrt(float64(cfg.HeadDim))
	}

	backend, err := Select(caps, o.Backend)
	if err != nil {
		return nil, err
	}

	slog.Info("attention backend", "backend", backend.Name(), "isa", caps.ISA, "fallback", backend.Name() != Backends()[0])

	return &Executor{
		cache:   cache,
		cfg:     cfg,
		scale:   float32(o.Scale),
		backend: backend,
	}, nil
}

func (e *Executor) Backend() Backend {
	return e.backend
}

func checkShape(name string, t *ml.Tensor, rows, heads, headDim int) error {
	if t == nil {
		return fmt.Errorf("%w: %s must be provided", ErrShapeMismatch, name)
	}

	if t.Rank() != 3 || t.Dim(0) != rows || t.Dim(1) != heads || t.Dim(2) != headDim {
		return fmt.Errorf("%w: %s has shape %v, want [%d %d %d]", ErrShapeMismatch, name, t.Shape(), rows, heads, headDim)
	}

	return nil
}

// Forward stores the fresh key and value of every token in the cache and
// then computes attention for the batch. query is shaped [tokens, heads,
// head dim] and key and value [tokens, kv heads, head dim]. The result is
// shaped like query; for decode batches that is [sequences, heads, head dim].
//
// Every shape and block reference is checked before the cache is written,
// so a failed call leaves the cache unchanged.
func (e *Executor) Forward(batch *input.Batch, query, key, value *ml.Tensor) (*ml.Tensor, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: missing batch", ErrShapeMismatch)
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	mode := ModeOf(batch)
	if e.cache == nil && mode != ModePrefillFresh {
		return nil, fmt.Errorf("%w: %v requires a cache", ErrShapeMismatch, mode)
	}

	tokens := batch.NumQueryTokens()
	if err := checkShape("query", query, tokens, e.cfg.NumHeads, e.cfg.HeadDim); err != nil {
		return nil, err
	}

	// fresh prefills read every key from the fresh tensors, the other modes
	// supply one key per query token
	keys := tokens
	if mode == ModePrefillFresh {
		keys = int(batch.CuSeqlensK[len(batch.CuSeqlensK)-1])
	}

	if err := checkShape("key", key, keys, e.cfg.NumKVHeads, e.cfg.HeadDim); err != nil {
		return nil, err
	}

	if err := checkShape("value", value, keys, e.cfg.NumKVHeads, e.cfg.HeadDim); err != nil {
		return nil, err
	}

	seqs := make([]Sequence, batch.NumSeqs())
	for i := range seqs {
		start, end := batch.QuerySpan(i)
		seqs[i] = Sequence{QueryStart: start, QueryLen: end - start, KeyLen: batch.KeyLen(i)}

		if mode == ModePrefillFresh {
			seqs[i].KeyStart = int(batch.CuSeqlensK[i])
			continue
		}

		seqs[i].Table = batch.BlockTables[i]
		if err := e.cache.ValidateBlockTable(seqs[i].Table, seqs[i].KeyLen); err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
	}

	if e.cache != nil {
		if err := e.cache.Store(key, value, batch.SlotMapping); err != nil {
			return nil, err
		}
	}

	logutil.Trace("attention forward", "mode", mode, "backend", e.backend.Name(), "seqs", len(seqs), "tokens", tokens, "keys", batch.MaxSeqlenK)

	p := Pass{
		Mode:       mode,
		Query:      query,
		Key:        key,
		Value:      value,
		Cache:      e.cache,
		Seqs:       seqs,
		Out:        ml.Zeros(tokens, e.cfg.NumHeads, e.cfg.HeadDim),
		NumHeads:   e.cfg.NumHeads,
		NumKVHeads: e.cfg.NumKVHeads,
		HeadDim:    e.cfg.HeadDim,
		Scale:      e.scale,
	}

	if err := e.backend.Compute(&p); err != nil {
		return nil, err
	}

	return p.Out, nil
}
