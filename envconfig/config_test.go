package envconfig

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("OLLAMA_DEBUG", value)
			assert.Equal(t, want, LogLevel())
		})
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"yes":   true,
		"'1'":   true,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("OLLAMA_BOOL", value)
			assert.Equal(t, want, Bool("OLLAMA_BOOL")())
		})
	}
}

func TestFlashAttentionDefault(t *testing.T) {
	t.Setenv("OLLAMA_FLASH_ATTENTION", "")
	require.True(t, FlashAttention(true))
	require.False(t, FlashAttention(false))

	t.Setenv("OLLAMA_FLASH_ATTENTION", "false")
	require.False(t, FlashAttention(true))
}

func TestUint(t *testing.T) {
	cases := map[string]uint{
		"":     256,
		"16":   16,
		" 32 ": 32,
		"-1":   256,
		"abc":  256,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("OLLAMA_KV_BLOCK_SIZE", value)
			assert.Equal(t, want, KvBlockSize())
		})
	}
}

func TestString(t *testing.T) {
	t.Setenv("OLLAMA_KV_CACHE_TYPE", ` "bf16" `)
	assert.Equal(t, "bf16", KvCacheType())

	t.Setenv("OLLAMA_ATTENTION_BACKEND", "sdpa")
	assert.Equal(t, "sdpa", AttentionBackend())
}

func TestValues(t *testing.T) {
	t.Setenv("OLLAMA_KV_NUM_BLOCKS", "8")
	vals := Values()
	require.Equal(t, "8", vals["OLLAMA_KV_NUM_BLOCKS"])
	require.Contains(t, vals, "OLLAMA_ATTENTION_BACKEND")
}

func TestDescribe(t *testing.T) {
	t.Setenv("OLLAMA_KV_BLOCK_SIZE", "16")

	vars := Describe()
	var names []string
	for pair := vars.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}

	assert.Equal(t, []string{
		"OLLAMA_DEBUG",
		"OLLAMA_FLASH_ATTENTION",
		"OLLAMA_ATTENTION_BACKEND",
		"OLLAMA_KV_CACHE_TYPE",
		"OLLAMA_KV_BLOCK_SIZE",
		"OLLAMA_KV_NUM_BLOCKS",
	}, names)

	v, ok := vars.Get("OLLAMA_KV_BLOCK_SIZE")
	require.True(t, ok)
	assert.Equal(t, uint(16), v.Value)
}
