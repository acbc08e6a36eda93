package cmd

import (
	"errors"
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/pagedattn/ml"
	"github.com/ollama/pagedattn/ml/nn/attention"
)

// values differing by more than parityTolerance relative to their magnitude
// plus parityMargin are counted as mismatches
const (
	parityTolerance = 1e-3
	parityMargin    = 1e-5
)

var errParity = errors.New("attention backends disagree")

func NewParityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parity",
		Short: "Compare every attention backend against sdpa",
		Args:  cobra.NoArgs,
		RunE:  parityHandler,
	}

	addWorkloadFlags(cmd, 16, 13, 4)
	return cmd
}

type difference struct {
	abs, rel   float64
	mismatches int
}

// compare returns the largest absolute and relative differences between
// two runs of the same workload
func compare(want, got *result) (difference, error) {
	var d difference
	if len(want.outputs) != len(got.outputs) {
		return d, fmt.Errorf("%d outputs, want %d", len(got.outputs), len(want.outputs))
	}

	for i := range want.outputs {
		a, b := want.outputs[i].Data(), got.outputs[i].Data()
		if len(a) != len(b) {
			return d, fmt.Errorf("output %d has %d elements, want %d", i, len(b), len(a))
		}

		for j := range a {
			diff := math.Abs(float64(a[j]) - float64(b[j]))
			magnitude := max(math.Abs(float64(a[j])), math.Abs(float64(b[j])))
			d.abs = max(d.abs, diff)
			if magnitude > 0 {
				d.rel = max(d.rel, diff/magnitude)
			}

			if diff > parityTolerance*magnitude+parityMargin {
				d.mismatches++
			}
		}
	}

	return d, nil
}

func parityHandler(cmd *cobra.Command, args []string) error {
	w, err := workloadFromFlags(cmd)
	if err != nil {
		return err
	}

	backends := attention.Backends()
	caps := ml.ProbeCapabilities()
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

	var reference *result
	for _, res := range results {
		if res.backend == "sdpa" {
			reference = res
		}
	}

	if reference == nil {
		return fmt.Errorf("%w: sdpa reference did not run", attention.ErrNoBackendAvailable)
	}

	var failed bool
	var data [][]string
	for i, res := range results {
		d, err := compare(reference, res)
		if err != nil {
			return fmt.Errorf("%s: %w", backends[i], err)
		}

		status := "ok"
		if d.mismatches > 0 {
			status = fmt.Sprintf("FAIL (%d values)", d.mismatches)
			failed = true
		}

		data = append(data, []string{backends[i], res.backend, fmt.Sprintf("%.2e", d.abs), fmt.Sprintf("%.2e", d.rel), status})
	}

	table := newTable(cmd, "BACKEND", "RAN AS", "MAX ABS", "MAX REL", "STATUS")
	table.AppendBulk(data)
	table.Render()

	if failed {
		return fmt.Errorf("%w: differences above a relative tolerance of %g", errParity, parityTolerance)
	}

	return nil
}
