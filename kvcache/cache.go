package kvcache

import (
	"errors"
)

var (
	// ErrShapeMismatch is returned when tensor shapes, slot mappings or
	// sequence offsets do not agree with each other or with the cache layout.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidBlockReference is returned when a block table or slot mapping
	// points outside of the cache. This indicates a bug in the block allocator.
	ErrInvalidBlockReference = errors.New("invalid cache block reference")
)
