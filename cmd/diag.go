package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/api"
	"grimm.is/portgate/internal/command"
	"grimm.is/portgate/internal/config"
	"grimm.is/portgate/internal/logging"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/traffic"
)

var scanCmd = &cobra.Command{
	Use:   "scan HOST...",
	Short: "Ping hosts or probe their TCP/UDP ports",
	Example: `  portgate scan 192.0.2.10 example.com
  portgate scan --mode tcp --ports common 192.0.2.10
  portgate scan --mode udp --ports 53,123 192.0.2.10`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, level, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{Level: level, Output: os.Stderr, JSON: cfg.Log.JSON})
		sc := newScanner(cfg.Scanner, &command.ExecRunner{}, logger)

		mode, _ := cmd.Flags().GetString("mode")
		ports, _ := cmd.Flags().GetString("ports")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		res, err := sc.Scan(cmd.Context(), scanner.Request{
			Hosts:   args,
			Mode:    mode,
			Ports:   ports,
			Timeout: timeout,
		})
		if res == nil {
			return err
		}
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		}
		printScan(cmd.OutOrStdout(), res)
		return err
	},
}

func printScan(out io.Writer, res *scanner.ScanResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	if res.Mode == scanner.ModeICMP {
		fmt.Fprintln(w, "HOST\tIP\tREACHABLE\tAVG")
		for _, p := range res.Pings {
			avg := "-"
			if p.AvgMs != nil {
				avg = fmt.Sprintf("%.2fms", *p.AvgMs)
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Host, dash(p.IP), p.Reachable, avg)
		}
	} else {
		fmt.Fprintln(w, "HOST\tIP\tPORT\tOUTCOME\tLATENCY")
		for _, p := range res.Results {
			fmt.Fprintf(w, "%s\t%s\t%d/%s\t%s\t%.1fms\n", p.Host, dash(p.IP), p.Port, res.Mode, p.Outcome, p.LatencyMs)
		}
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d hosts in %dms\n", len(res.Hosts), res.DurationMs)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Sample interface counters twice and print the transfer rate",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		ctx := cmd.Context()

		if _, err := a.svc.SampleRate(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		r, err := a.svc.SampleRate(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), r)
		}
		printReading(cmd.OutOrStdout(), r)
		return nil
	}),
}

func printReading(out io.Writer, r traffic.Reading) {
	fmt.Fprintf(out, "rx %s/s   tx %s/s\n", humanize.Bytes(uint64(r.RxRate)), humanize.Bytes(uint64(r.TxRate)))
	fmt.Fprintf(out, "accumulated rx %s   tx %s\n\n", humanize.Bytes(r.AccRx), humanize.Bytes(r.AccTx))

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INTERFACE\tRX\tTX\tSPEED")
	for _, i := range r.Interfaces {
		speed := "-"
		if i.SpeedMbps > 0 {
			speed = fmt.Sprintf("%d Mb/s", i.SpeedMbps)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", i.Name, humanize.Bytes(i.RxBytes), humanize.Bytes(i.TxBytes), speed)
	}
	w.Flush()
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [PASSWORD]",
	Short: "Print the bcrypt hash to use as auth.password_hash",
	Long: `Hashes PASSWORD, or the first line of stdin when no argument is given,
for the password_hash attribute of the auth block.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && err != io.EOF {
				return err
			}
			password = strings.TrimRight(line, "\r\n")
		}
		hash, err := api.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print a summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), cfg)
		}
		printSummary(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func printSummary(out io.Writer, cfg *config.Config) {
	schedule := func(spec string) string {
		if !config.Scheduled(spec) {
			return "off"
		}
		return spec
	}
	auth := "configured"
	if cfg.Auth.PasswordHash == "" {
		auth = "MISSING (API requests will be refused)"
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Panel\t%s (max %d connections)\n", cfg.Panel.Addr(), cfg.Panel.MaxConnections)
	fmt.Fprintf(w, "Auth\tuser %q, password hash %s\n", cfg.Auth.User, auth)
	fmt.Fprintf(w, "State\t%s\n", cfg.StatePath)
	fmt.Fprintf(w, "Whitelist capacity\t%d\n", cfg.Whitelist.Capacity)
	fmt.Fprintf(w, "Reconcile\t%s\n", schedule(cfg.Reconcile.Schedule))
	fmt.Fprintf(w, "Traffic sampling\t%s (history %d)\n", schedule(cfg.Traffic.Schedule), cfg.Traffic.History)
	fmt.Fprintf(w, "Scanner\t%s icmp, timeout %s, batch %d\n", cfg.Scanner.ICMPBackend, cfg.Scanner.Timeout, cfg.Scanner.BatchSize)
	fmt.Fprintf(w, "Audit log\t%s\n", dash(cfg.Audit.Path))
	w.Flush()
	fmt.Fprintln(out, "\nConfiguration OK")
}

func init() {
	scanCmd.Flags().StringP("mode", "m", string(scanner.ModeICMP), "icmp, tcp or udp")
	scanCmd.Flags().StringP("ports", "p", "common", `Comma separated ports or "common"`)
	scanCmd.Flags().Duration("timeout", 0, "Per-probe timeout (default from config)")
	trafficCmd.Flags().Duration("interval", time.Second, "Time between the two samples")

	rootCmd.AddCommand(scanCmd, trafficCmd, hashPasswordCmd, checkCmd)
}
