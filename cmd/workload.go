package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/ollama/pagedattn/envconfig"
	"github.com/ollama/pagedattn/kvcache"
	"github.com/ollama/pagedattn/ml"
	"github.com/ollama/pagedattn/ml/nn/attention"
	"github.com/ollama/pagedattn/model/input"
)

// workload is a synthetic generation run: every sequence prefills its
// prompt in two chunks, the second reading the first back from the cache,
// and then decodes a number of tokens. Each forward pass runs every layer.
type workload struct {
	cfg    attention.Config
	layers int

	numBlocks, blockSize int
	cacheType            ml.DType

	seqs, prompt, decode int
	seed                 uint64
}

type result struct {
	backend    string
	cacheBytes int64

	prefill, decode time.Duration
	tokens          int

	// outputs holds the attention output of every forward pass in order
	outputs []*ml.Tensor
}

func addWorkloadFlags(cmd *cobra.Command, headDim, prompt, decode int) {
	cmd.Flags().Int("layers", 1, "Number of layers, each with its own cache")
	cmd.Flags().Int("heads", 8, "Number of query heads")
	cmd.Flags().Int("kv-heads", 2, "Number of key/value heads")
	cmd.Flags().Int("head-dim", headDim, "Dimension of each head")
	cmd.Flags().Int("block-size", int(envconfig.KvBlockSize()), "Tokens per cache block")
	cmd.Flags().Int("num-blocks", int(envconfig.KvNumBlocks()), "Number of cache blocks")
	cmd.Flags().String("cache-type", envconfig.KvCacheType(), "Cache element type (f32, f16, bf16)")
	cmd.Flags().Int("seqs", 4, "Number of sequences")
	cmd.Flags().Int("prompt", prompt, "Prompt tokens per sequence")
	cmd.Flags().Int("decode", decode, "Decoded tokens per sequence")
	cmd.Flags().Uint64("seed", 1, "Random seed")
}

func cacheType(s string) ml.DType {
	if s == "" {
		return ml.DTypeF32
	}

	dtype, err := ml.ParseDType(s)
	if err != nil {
		slog.Warn("invalid cache type, using f32", "error", err)
		return ml.DTypeF32
	}
	return dtype
}

func workloadFromFlags(cmd *cobra.Command) (workload, error) {
	var w workload
	ints := []struct {
		name string
		dst  *int
	}{
		{"layers", &w.layers},
		{"heads", &w.cfg.NumHeads},
		{"kv-heads", &w.cfg.NumKVHeads},
		{"head-dim", &w.cfg.HeadDim},
		{"block-size", &w.blockSize},
		{"num-blocks", &w.numBlocks},
		{"seqs", &w.seqs},
		{"prompt", &w.prompt},
		{"decode", &w.decode},
	}

	for _, f := range ints {
		v, err := cmd.Flags().GetInt(f.name)
		if err != nil {
			return w, err
		}
		if v < 0 {
			return w, fmt.Errorf("--%s must not be negative", f.name)
		}
		*f.dst = v
	}

	s, err := cmd.Flags().GetString("cache-type")
	if err != nil {
		return w, err
	}
	w.cacheType = cacheType(s)

	w.seed, err = cmd.Flags().GetUint64("seed")
	if err != nil {
		return w, err
	}

	if w.layers < 1 {
		return w, fmt.Errorf("--layers must be at least 1")
	}

	if w.prompt < 1 {
		return w, fmt.Errorf("--prompt must be at least 1")
	}

	return w, nil
}

func randTensor(r *rand.Rand, shape ...int) *ml.Tensor {
	t := ml.Zeros(shape...)
	for i := range t.Data() {
		t.Data()[i] = r.Float32()*2 - 1
	}
	return t
}

// run executes the workload on a fresh cache with the given backend. Runs
// with the same workload draw identical inputs.
func (w workload) run(ctx context.Context, caps ml.Capabilities, backend string) (*result, error) {
	caches, err := kvcache.NewLayers(w.layers, kvcache.Options{
		NumBlocks:  w.numBlocks,
		BlockSize:  w.blockSize,
		NumKVHeads: w.cfg.NumKVHeads,
		HeadDim:    w.cfg.HeadDim,
		DType:      w.cacheType,
	})
	if err != nil {
		return nil, err
	}

	layers := make([]*attention.Executor, len(caches))
	var res result
	for i, cache := range caches {
		layers[i], err = attention.New(cache, w.cfg, caps, attention.WithBackend(backend))
		if err != nil {
			return nil, err
		}
		res.cacheBytes += cache.Bytes()
	}
	res.backend = layers[0].Backend().Name()
	r := rand.New(rand.NewPCG(w.seed, w.seed))
	alloc := newBlockAllocator(w.numBlocks, w.blockSize)
	seqs := make([]sequence, w.seqs)
	defer func() {
		for i := range seqs {
			alloc.release(&seqs[i])
		}
	}()

	forward := func(batch *input.Batch) error {
		n := batch.NumQueryTokens()
		for i, e := range layers {
			out, err := e.Forward(batch,
				randTensor(r, n, w.cfg.NumHeads, w.cfg.HeadDim),
				randTensor(r, n, w.cfg.NumKVHeads, w.cfg.HeadDim),
				randTensor(r, n, w.cfg.NumKVHeads, w.cfg.HeadDim))
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}

			res.outputs = append(res.outputs, out)
		}
		return nil
	}

	// reserve assigns n more tokens to every sequence
	reserve := func(n int) ([]int32, [][]int32, error) {
		var slots []int32
		tables := make([][]int32, len(seqs))
		for i := range seqs {
			s, err := alloc.reserve(&seqs[i], n)
			if err != nil {
				return nil, nil, fmt.Errorf("sequence %d: %w", i, err)
			}
			slots = append(slots, s...)
			tables[i] = seqs[i].table
		}
		return slots, tables, nil
	}

	lens := func(n int) []int {
		l := make([]int, len(seqs))
		for i := range l {
			l[i] = n
		}
		return l
	}

	start := time.Now()

	first := (w.prompt + 1) / 2
	slots, _, err := reserve(first)
	if err != nil {
		return nil, err
	}

	batch, err := input.NewPrefill(lens(first), nil, slots, nil)
	if err != nil {
		return nil, err
	}

	if err := forward(batch); err != nil {
		return nil, err
	}

	if rest := w.prompt - first; rest > 0 {
		slots, tables, err := reserve(rest)
		if err != nil {
			return nil, err
		}

		batch, err := input.NewPrefill(lens(rest), lens(w.prompt), slots, tables)
		if err != nil {
			return nil, err
		}

		if err := forward(batch); err != nil {
			return nil, err
		}
	}

	res.prefill = time.Since(start)
	start = time.Now()

	for step := range w.decode {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slots, tables, err := reserve(1)
		if err != nil {
			return nil, err
		}

		contextLens := make([]int32, len(seqs))
		for i := range contextLens {
			contextLens[i] = int32(w.prompt + step + 1)
		}

		batch, err := input.NewDecode(contextLens, slots, tables)
		if err != nil {
			return nil, err
		}

		if err := forward(batch); err != nil {
			return nil, err
		}
	}

	res.decode = time.Since(start)
	res.tokens = w.seqs * w.decode
	return &res, nil
}
