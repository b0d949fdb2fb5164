// Package cmd implements the portgate command line.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/config"
	"grimm.is/portgate/internal/firewall"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "portgate",
	Short: "Firewall whitelist, port forwarding and diagnostics panel",
	Long: `portgate keeps ufw and the iptables nat table in line with a small
access model (whitelisted addresses, port forwards, the panel port) and
serves an authenticated HTTP panel with network diagnostics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints a reconcile result and turns rule errors into a
// non-zero exit.
func printResult(w io.Writer, res firewall.Result) error {
	if jsonOutput {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "applied %d, removed %d\n", res.Applied, res.Removed)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d rule operations failed", len(res.Errors))
	}
	return nil
}
