package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/portgate/internal/access"
)

// errOutOfSync makes `portgate diff` exit non-zero without printing usage.
var errOutOfSync = errors.New("live rules differ from the access model")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild every owned firewall and NAT rule from the saved state",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return printResult(cmd.OutOrStdout(), a.svc.Reconcile(cmd.Context()))
	}),
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show how the live owned rules differ from the access model",
	Long: `Compares the owned ufw and nat rules found on the host with the rules
a reconcile would produce. Exits non-zero when they differ.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		diff, err := a.svc.Diff(cmd.Context())
		if err != nil {
			return err
		}
		if diff == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No differences.")
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), diff)
		return errOutOfSync
	}),
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the numbered ufw rule listing",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		var lines []string
		var err error
		if planned, _ := cmd.Flags().GetBool("planned"); planned {
			lines = a.svc.Plan()
		} else if lines, err = a.svc.Rules(cmd.Context()); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), lines)
		}
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return nil
	}),
}

var narrowCmd = &cobra.Command{
	Use:   "narrow PORT",
	Short: "Allow PORT only from whitelisted addresses",
	Long: `Inserts a whitelist rule for PORT per whitelisted address, then deletes
every rule that allows PORT from anywhere. The panel port is never closed.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		port, err := access.ParsePort(args[0])
		if err != nil {
			return err
		}
		res, err := a.svc.NarrowPortToWhitelist(cmd.Context(), port)
		return mutationResult(cmd, res, err)
	}),
}

var strictifyCmd = &cobra.Command{
	Use:   "strictify",
	Short: "Delete every unowned allow-from-anywhere rule except the panel's",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		return printResult(cmd.OutOrStdout(), a.svc.Strictify(cmd.Context()))
	}),
}

func init() {
	rulesCmd.Flags().Bool("planned", false, "Print the owned rules a reconcile would produce instead")
	rootCmd.AddCommand(reconcileCmd, diffCmd, rulesCmd, narrowCmd, strictifyCmd)
}
