package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var opts options

var rootCmd = &cobra.Command{
	Use:   "tsclock -i <url> [flags]",
	Short: "Inspect the clocks of an MPEG transport stream.",
	Long: `tsclock reads a transport stream from a file, UDP, RTP or SRT and
measures its clocks: PCR against wall time, PTS and DTS against the PCR,
and the trend of each over time. Inputs:

  file.ts | file:///path | -            recorded stream or stdin
  udp://group:port?ifname=eth0         UDP unicast or multicast
  rtp://group:port?buffer_size=N       RTP, headers stripped
  srt://host:port?streamid=key         SRT caller
  srt://:port                          SRT listener, one session per publisher`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging(opts.debug)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, &opts)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tsclock version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "tsclock %s\n", resolveVersion())
		return nil
	},
	DisableFlagsInUseLine: true,
}

func init() {
	opts.register(rootCmd)
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(selftestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func setupLogging(debugFlag bool) {
	level := slog.LevelInfo
	if debugFlag || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func resolveVersion() string {
	if version != "" && version != "dev" {
		return strings.TrimPrefix(version, "v")
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return strings.TrimPrefix(info.Main.Version, "v")
		}
	}
	return "dev"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
