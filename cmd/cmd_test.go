package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/pagedattn/ml"
	"github.com/ollama/pagedattn/ml/nn/attention"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var b bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&b)
	cmd.SetErr(&b)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return b.String(), err
}

func TestParityCommand(t *testing.T) {
	t.Setenv("OLLAMA_ATTENTION_BACKEND", "")

	for _, cacheType := range []string{"f32", "f16", "bf16"} {
		t.Run(cacheType, func(t *testing.T) {
			out, err := execute(t, "parity", "--seqs", "3", "--prompt", "9", "--decode", "3",
				"--block-size", "4", "--num-blocks", "16", "--head-dim", "8", "--cache-type", cacheType)
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out), "\n")
			require.Len(t, lines, 4, out)
			for _, line := range lines[1:] {
				assert.True(t, strings.HasSuffix(strings.TrimSpace(line), "ok"), line)
			}
		})
	}
}

func TestBenchCommand(t *testing.T) {
	out, err := execute(t, "bench", "--backend", "all", "--seqs", "2", "--prompt", "6", "--decode", "2",
		"--block-size", "4", "--num-blocks", "8", "--head-dim", "4")
	require.NoError(t, err)

	assert.Contains(t, out, "BACKEND")
	assert.Contains(t, out, "sdpa")
	assert.Contains(t, out, "f32")

	_, err = execute(t, "bench", "--seqs", "4", "--prompt", "8", "--decode", "1",
		"--block-size", "4", "--num-blocks", "8", "--head-dim", "4")
	assert.True(t, errors.Is(err, errOutOfBlocks), "have %v", err)

	_, err = execute(t, "bench", "--prompt", "-1")
	assert.Error(t, err)
}

func TestWorkloadLayers(t *testing.T) {
	w := workload{
		cfg:       attention.Config{NumHeads: 4, NumKVHeads: 2, HeadDim: 4},
		numBlocks: 8,
		blockSize: 4,
		cacheType: ml.DTypeF16,
		seqs:      2,
		prompt:    5,
		decode:    2,
		seed:      1,
	}

	w.layers = 1
	one, err := w.run(t.Context(), ml.Capabilities{Generic: true}, "sdpa")
	require.NoError(t, err)

	w.layers = 3
	three, err := w.run(t.Context(), ml.Capabilities{Generic: true}, "sdpa")
	require.NoError(t, err)

	// two prefill chunks and two decode steps per layer
	assert.Len(t, one.outputs, 4)
	assert.Len(t, three.outputs, 12)
	assert.Equal(t, 3*one.cacheBytes, three.cacheBytes)
	assert.Equal(t, one.tokens, three.tokens)

	out, err := execute(t, "parity", "--layers", "2", "--seqs", "2", "--prompt", "6", "--decode", "2",
		"--block-size", "4", "--num-blocks", "8", "--head-dim", "4")
	require.NoError(t, err)
	assert.NotContains(t, out, "FAIL")

	_, err = execute(t, "bench", "--layers", "0")
	assert.Error(t, err)
}

func TestEnvCommand(t *testing.T) {
	t.Setenv("OLLAMA_KV_CACHE_TYPE", "bf16")

	out, err := execute(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "OLLAMA_KV_CACHE_TYPE")
	assert.Contains(t, out, "bf16")
	assert.Contains(t, out, "capabilities")
}

func TestCacheType(t *testing.T) {
	cases := map[string]ml.DType{
		"":     ml.DTypeF32,
		"f16":  ml.DTypeF16,
		"BF16": ml.DTypeBF16,
		"q8_0": ml.DTypeF32,
	}

	for s, want := range cases {
		if got := cacheType(s); got != want {
			t.Errorf("%q: have %v; want %v", s, got, want)
		}
	}
}

func TestCompare(t *testing.T) {
	tensor := func(values ...float32) *ml.Tensor {
		tt, err := ml.NewTensor(values, len(values))
		require.NoError(t, err)
		return tt
	}

	want := &result{outputs: []*ml.Tensor{tensor(1, 0, -2)}}

	d, err := compare(want, &result{outputs: []*ml.Tensor{tensor(1, 1e-6, -2.0001)}})
	require.NoError(t, err)
	assert.Zero(t, d.mismatches)
	assert.InDelta(t, 1e-4, d.abs, 1e-6)

	d, err = compare(want, &result{outputs: []*ml.Tensor{tensor(1.1, 0, -2)}})
	require.NoError(t, err)
	assert.Equal(t, 1, d.mismatches)

	_, err = compare(want, &result{})
	assert.Error(t, err)
}

func TestBackendsFor(t *testing.T) {
	t.Setenv("OLLAMA_ATTENTION_BACKEND", "sdpa")

	if diff := cmp.Diff([]string{"flash", "memory_efficient", "sdpa"}, backendsFor("all")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"sdpa"}, backendsFor("")); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvCommandSingle(t *testing.T) {
	t.Setenv("OLLAMA_KV_BLOCK_SIZE", "32")

	out, err := execute(t, "env", "OLLAMA_KV_BLOCK_SIZE")
	require.NoError(t, err)
	assert.Contains(t, out, "32")
	assert.NotContains(t, out, "OLLAMA_DEBUG")

	_, err = execute(t, "env", "OLLAMA_NOPE")
	assert.Error(t, err)
}
