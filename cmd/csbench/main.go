// Command csbench drives concurrent producers through the command submission
// engine and reports throughput per ring.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/winsys"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "csbench",
		Short: "Command submission benchmark",
		Long: `csbench builds command streams on several producers at once and submits
them through the winsys pipeline to a simulated or HAL device.

Commands:
  run       Run the benchmark
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "csbench %s\n", version)
		},
	}
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"backend":           "backend",
	"rings":             "rings",
	"producers":         "producers",
	"flushes":           "flushes",
	"dwords":            "dwords",
	"buffers":           "buffers",
	"buffer-size":       "buffer_size",
	"min-segment":       "min_segment",
	"max-segment":       "max_segment",
	"max-buffer-fences": "max_buffer_fences",
	"async":             "async",
	"metrics-addr":      "metrics_addr",
	"log-level":         "log_level",
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the benchmark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath, func(v *viper.Viper) error {
				for flag, key := range flagKeys {
					if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			level, _ := cfg.Level()
			winsys.SetLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			return Run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file (default .csbench.yaml in . or $HOME)")
	f.String("backend", "", "device backend (sim, hal); empty picks the best available")
	f.StringSlice("rings", []string{"gfx"}, "rings every producer submits to")
	f.Int("producers", DefaultProducers, "number of concurrent producers")
	f.Int("flushes", DefaultFlushes, "flushes per producer and ring")
	f.Int("dwords", DefaultDWords, "dwords written per flush")
	f.Int("buffers", DefaultBuffers, "buffers shared by all producers")
	f.String("buffer-size", DefaultBufferSize, "size of each shared buffer")
	f.String("min-segment", "32KiB", "smallest segment allocation")
	f.String("max-segment", "2MiB", "largest segment allocation")
	f.Int("max-buffer-fences", 0, "fences kept per buffer (0 = unlimited)")
	f.Bool("async", false, "queue flushes without waiting for transport")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")

	return cmd
}
