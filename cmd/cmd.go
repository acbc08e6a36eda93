package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/pagedattn/envconfig"
	"github.com/ollama/pagedattn/logutil"
	"github.com/ollama/pagedattn/ml"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagedattn",
		Short: "Paged KV cache and attention kernels",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewBenchCmd(),
		NewParityCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env [NAME]",
		Short: "Show environment configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  envHandler,
	}
}

func envHandler(cmd *cobra.Command, args []string) error {
	vars := envconfig.Describe()

	var data [][]string
	if len(args) > 0 {
		v, ok := vars.Get(args[0])
		if !ok {
			return fmt.Errorf("unknown environment variable %q", args[0])
		}
		data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
	} else {
		for pair := vars.Oldest(); pair != nil; pair = pair.Next() {
			v := pair.Value
			data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
		}
		data = append(data, []string{"capabilities", ml.ProbeCapabilities().String(), "Attention kernels usable on this host"})
	}

	table := newTable(cmd, "NAME", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
