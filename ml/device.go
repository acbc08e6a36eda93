package ml

import (
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/ollama/pagedattn/envconfig"
)

// ISA is the vector instruction set available to the attention kernels.
type ISA uint8

const (
	ISAGeneric ISA = iota
	ISANEON
	ISASVE2
	ISAAVX2
	ISAAVX512
)

func (i ISA) String() string {
	switch i {
	case ISANEON:
		return "neon"
	case ISASVE2:
		return "sve2"
	case ISAAVX2:
		return "avx2"
	case ISAAVX512:
		return "avx512"
	default:
		return "generic"
	}
}

// Capabilities describes which attention kernels can run on this host.
type Capabilities struct {
	ISA ISA

	// Fused reports support for the fused variable-length kernel that reads
	// directly from paged cache blocks.
	Fused bool

	// MemoryEfficient reports support for the tiled kernel operating on
	// materialized per-sequence tensors.
	MemoryEfficient bool

	// Generic reports support for the reference scaled dot-product kernel.
	Generic bool
}

func (c Capabilities) String() string {
	var rungs []string
	if c.Fused {
		rungs = append(rungs, "fused")
	}
	if c.MemoryEfficient {
		rungs = append(rungs, "memory_efficient")
	}
	if c.Generic {
		rungs = append(rungs, "generic")
	}
	if len(rungs) == 0 {
		rungs = append(rungs, "none")
	}

	return c.ISA.String() + "[" + strings.Join(rungs, ",") + "]"
}

// cpuFeatures is the subset of x/sys/cpu flags the probe looks at
type cpuFeatures struct {
	arch string

	hasAVX2, hasFMA, hasAVX512F, hasAVX512BW, hasSSE41 bool
	hasASIMD, hasSVE2                                  bool
}

func hostFeatures() cpuFeatures {
	return cpuFeatures{
		arch:        runtime.GOARCH,
		hasAVX2:     cpu.X86.HasAVX2,
		hasFMA:      cpu.X86.HasFMA,
		hasAVX512F:  cpu.X86.HasAVX512F,
		hasAVX512BW: cpu.X86.HasAVX512BW,
		hasSSE41:    cpu.X86.HasSSE41,
		hasASIMD:    cpu.ARM64.HasASIMD,
		hasSVE2:     cpu.ARM64.HasSVE2,
	}
}

func (f cpuFeatures) isa() ISA {
	switch f.arch {
	case "amd64":
		if f.hasAVX512F && f.hasAVX512BW {
			return ISAAVX512
		}
		if f.hasAVX2 && f.hasFMA {
			return ISAAVX2
		}
	case "arm64":
		// Apple's SVE2 is slower than NEON for these kernels
		if f.hasSVE2 && runtime.GOOS != "darwin" {
			return ISASVE2
		}
		if f.hasASIMD {
			return ISANEON
		}
	}

	return ISAGeneric
}

func capabilitiesFor(f cpuFeatures, flashAttention bool) Capabilities {
	isa := f.isa()
	return Capabilities{
		ISA:             isa,
		Fused:           flashAttention && isa != ISAGeneric,
		MemoryEfficient: f.hasSSE41 || f.hasASIMD || isa != ISAGeneric,
		Generic:         true,
	}
}

var probeCapabilities = sync.OnceValue(func() Capabilities {
	caps := capabilitiesFor(hostFeatures(), envconfig.FlashAttention(true))
	slog.Debug("probed attention capabilities", "arch", runtime.GOARCH, "capabilities", caps.String())
	return caps
})

// ProbeCapabilities inspects the host once per process and reports which
// attention kernels are usable. Setting OLLAMA_FLASH_ATTENTION=false removes
// the fused kernel from the result.
func ProbeCapabilities() Capabilities {
	return probeCapabilities()
}

// FlashAttentionSupported reports whether the fused kernel can be used
func FlashAttentionSupported(c Capabilities) bool {
	return c.Fused && c.ISA != ISAGeneric
}
