package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/pagedattn/envconfig"
	"github.com/ollama/pagedattn/format"
	"github.com/ollama/pagedattn/ml"
	"github.com/ollama/pagedattn/ml/nn/attention"
)

func NewBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Time prefill and decode on a synthetic workload",
		Args:  cobra.NoArgs,
		RunE:  benchHandler,
	}

	addWorkloadFlags(cmd, 64, 128, 32)
	cmd.Flags().String("backend", "", "Backend to run, or \"all\" (default: automatic selection)")
	return cmd
}

// backendsFor resolves the --backend flag to the list of backends to run.
// An empty name defers to OLLAMA_ATTENTION_BACKEND and the capability probe.
func backendsFor(name string) []string {
	switch name {
	case "all":
		return attention.Backends()
	case "":
		return []string{envconfig.AttentionBackend()}
	default:
		return []string{name}
	}
}

func benchHandler(cmd *cobra.Command, args []string) error {
	w, err := workloadFromFlags(cmd)
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("backend")
	if err != nil {
		return err
	}

	caps := ml.ProbeCapabilities()
	backends := backendsFor(name)
	results := make([]*result, len(backends))

	g, ctx := errgroup.WithContext(cmd.Context())
	for i, backend := range backends {
		g.Go(func() error {
			res, err := w.run(ctx, caps, backend)
			if err != nil {
				return fmt.Errorf("%s: %w", backend, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var data [][]string
	for i, res := range results {
		backend := res.backend
		if backends[i] != "" && backends[i] != res.backend {
			backend = fmt.Sprintf("%s (requested %s)", res.backend, backends[i])
		}

		var rate string
		if res.decode > 0 {
			rate = fmt.Sprintf("%.1f", float64(res.tokens)/res.decode.Seconds())
		}

		data = append(data, []string{
			backend,
			w.cacheType.String(),
			format.HumanBytes2(uint64(res.cacheBytes)),
			res.prefill.Round(time.Microsecond).String(),
			res.decode.Round(time.Microsecond).String(),
			rate,
		})
	}

	table := newTable(cmd, "BACKEND", "CACHE", "SIZE", "PREFILL", "DECODE", "TOKENS/S")
	table.AppendBulk(data)
	table.Render()
	return nil
}
