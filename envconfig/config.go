package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("OLLAMA_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// FlashAttention enables the fused paged attention kernel when the hardware supports it.
	FlashAttention = BoolWithDefault("OLLAMA_FLASH_ATTENTION")
	// AttentionBackend forces a specific attention kernel (flash, memory_efficient, sdpa).
	AttentionBackend = String("OLLAMA_ATTENTION_BACKEND")
	// KvCacheType is the element type of the K/V cache (f32, f16, bf16).
	KvCacheType = String("OLLAMA_KV_CACHE_TYPE")
	// KvBlockSize is the number of tokens stored in each cache block.
	KvBlockSize = Uint("OLLAMA_KV_BLOCK_SIZE", 256)
	// KvNumBlocks is the number of cache blocks allocated per layer.
	KvNumBlocks = Uint("OLLAMA_KV_NUM_BLOCKS", 64)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// Describe lists every variable with its current value in declaration order
func Describe() *orderedmap.OrderedMap[string, EnvVar] {
	vars := orderedmap.New[string, EnvVar]()
	for _, v := range []EnvVar{
		{"OLLAMA_DEBUG", LogLevel(), "Show additional debug information (e.g. OLLAMA_DEBUG=1)"},
		{"OLLAMA_FLASH_ATTENTION", FlashAttention(true), "Enable the fused paged attention kernel"},
		{"OLLAMA_ATTENTION_BACKEND", AttentionBackend(), "Force an attention kernel (flash, memory_efficient, sdpa)"},
		{"OLLAMA_KV_CACHE_TYPE", KvCacheType(), "Element type for the K/V cache (default: f32)"},
		{"OLLAMA_KV_BLOCK_SIZE", KvBlockSize(), "Tokens per K/V cache block (default: 256)"},
		{"OLLAMA_KV_NUM_BLOCKS", KvNumBlocks(), "K/V cache blocks allocated per layer (default: 64)"},
	} {
		vars.Set(v.Name, v)
	}
	return vars
}

func AsMap() map[string]EnvVar {
	m := make(map[string]EnvVar)
	for pair := Describe().Oldest(); pair != nil; pair = pair.Next() {
		m[pair.Key] = pair.Value
	}
	return m
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
