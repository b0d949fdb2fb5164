package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/scanner"
	"grimm.is/portgate/internal/sockets"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List TCP and UDP sockets with their owning process",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		conns, err := a.svc.Connections(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conns)
		}
		printConns(cmd.OutOrStdout(), conns)
		return nil
	}),
}

var portsearchCmd = &cobra.Command{
	Use:   "portsearch PORT",
	Short: "Show the sockets using a local or remote port",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		port, err := access.ParsePort(args[0])
		if err != nil {
			return err
		}
		conns, err := a.svc.PortSearch(cmd.Context(), port)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conns)
		}
		if len(conns) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "nothing is using port %d\n", port)
			return nil
		}
		printConns(cmd.OutOrStdout(), conns)
		return nil
	}),
}

func printConns(out io.Writer, conns []sockets.Conn) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROTO\tLOCAL\tREMOTE\tSTATUS\tPID\tPROCESS")
	for _, c := range conns {
		pid := "-"
		if c.PID > 0 {
			pid = strconv.Itoa(c.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.Proto, dash(c.Local), dash(c.Remote), c.Status, pid, dash(c.Process))
	}
	w.Flush()
}

var dohCmd = &cobra.Command{
	Use:   "doh",
	Short: "Check that the DNS-over-HTTPS resolvers answer",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		results, err := a.svc.CheckDoH(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), results)
		}
		printDoH(cmd.OutOrStdout(), results)
		return nil
	}),
}

func printDoH(out io.Writer, results []scanner.DoHResult) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RESOLVER\tOK\tTIME\tANSWER")
	for _, r := range results {
		answer := r.Answer
		if !r.OK {
			answer = r.Error
		}
		fmt.Fprintf(w, "%s\t%t\t%.1fms\t%s\n", r.Resolver, r.OK, r.Ms, dash(answer))
	}
	w.Flush()
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Export the audit log or change its size limit",
}

var logsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the audit log to stdout",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return a.svc.ExportLogs(cmd.OutOrStdout())
	}),
}

var logsLimitCmd = &cobra.Command{
	Use:   "limit [MB]",
	Short: "Print or set the audit log rotation size",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 1 {
			mb, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid size %q", args[0])
			}
			if err := a.svc.SetLogLimit(cmd.Context(), mb); err != nil {
				return err
			}
		}
		mb, err := a.svc.LogLimit()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "audit log rotates at %d MB\n", mb)
		return nil
	}),
}

func init() {
	logsCmd.AddCommand(logsExportCmd, logsLimitCmd)
	rootCmd.AddCommand(connectionsCmd, portsearchCmd, dohCmd, logsCmd)
}
