package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/panel"
)

var whitelistCmd = &cobra.Command{
	Use:     "whitelist",
	Aliases: []string{"wl"},
	Short:   "Manage whitelisted source addresses",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted addresses, oldest first",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		list := a.svc.Whitelist()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, ip := range list {
			fmt.Fprintln(cmd.OutOrStdout(), ip)
		}
		return nil
	}),
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add IP",
	Short: "Whitelist an address and reconcile",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.svc.AddWhitelist(cmd.Context(), args[0])
		return mutationResult(cmd, res, err)
	}),
}

var whitelistRemoveCmd = &cobra.Command{
	Use:     "rm IP",
	Aliases: []string{"remove"},
	Short:   "Remove an address from the whitelist and reconcile",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		res, err := a.svc.RemoveWhitelist(cmd.Context(), args[0])
		return mutationResult(cmd, res, err)
	}),
}

var whitelistImportCmd = &cobra.Command{
	Use:   "import [FILE]",
	Short: "Import addresses from FILE, or stdin when FILE is omitted or -",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		format, _ := cmd.Flags().GetString("format")
		added, res, err := a.svc.ImportWhitelist(cmd.Context(), r, format)
		if err == nil || errors.Is(err, panel.ErrNotPersisted) {
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d new addresses\n", added)
		}
		return mutationResult(cmd, res, err)
	}),
}

var whitelistExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the whitelist to stdout",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return a.svc.ExportWhitelist(cmd.OutOrStdout(), format)
	}),
}

var forwardCmd = &cobra.Command{
	Use:     "forward",
	Aliases: []string{"fwd"},
	Short:   "Manage port forwards",
}

var forwardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List port forwards by source port",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rules := a.svc.Forwards()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rules)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SRC PORT\tDESTINATION")
		for _, r := range rules {
			fmt.Fprintf(w, "%d\t%s:%d\n", r.SrcPort, r.DstIP, r.DstPort)
		}
		return w.Flush()
	}),
}

var forwardAddCmd = &cobra.Command{
	Use:   "add SRC_PORT DST_IP DST_PORT",
	Short: "Forward SRC_PORT to DST_IP:DST_PORT, replacing any forward on SRC_PORT",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		src, err := access.ParsePort(args[0])
		if err != nil {
			return err
		}
		dst, err := access.ParsePort(args[2])
		if err != nil {
			return err
		}
		res, err := a.svc.AddForward(cmd.Context(), access.ForwardRule{SrcPort: src, DstIP: args[1], DstPort: dst})
		return mutationResult(cmd, res, err)
	}),
}

var forwardRemoveCmd = &cobra.Command{
	Use:     "rm SRC_PORT",
	Aliases: []string{"remove"},
	Short:   "Remove the forward on SRC_PORT",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		src, err := access.ParsePort(args[0])
		if err != nil {
			return err
		}
		res, err := a.svc.RemoveForward(cmd.Context(), src)
		return mutationResult(cmd, res, err)
	}),
}

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Show or change the panel port",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), a.svc.PanelPort())
		return nil
	}),
}

var panelSetPortCmd = &cobra.Command{
	Use:   "set-port PORT",
	Short: "Move the panel to PORT",
	Long: `Opens PORT for the panel before closing the previous panel port. A
running server moves its listener on its next scheduled reconcile.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		port, err := access.ParsePort(args[0])
		if err != nil {
			return err
		}
		res, err := a.svc.SetPanelPort(cmd.Context(), port)
		return mutationResult(cmd, res, err)
	}),
}

func init() {
	for _, c := range []*cobra.Command{whitelistImportCmd, whitelistExportCmd} {
		c.Flags().StringP("format", "f", panel.FormatText, "text or yaml")
	}
	whitelistCmd.AddCommand(whitelistListCmd, whitelistAddCmd, whitelistRemoveCmd, whitelistImportCmd, whitelistExportCmd)
	forwardCmd.AddCommand(forwardListCmd, forwardAddCmd, forwardRemoveCmd)
	panelCmd.AddCommand(panelSetPortCmd)
	rootCmd.AddCommand(whitelistCmd, forwardCmd, panelCmd)
}
