package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")
		c, err := newClient()
		if err != nil {
			return err
		}
		user, err := c.Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}
		if err := saveToken(c.Token()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s <%s>\n", bold(user.Name), user.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return clearToken()
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the available agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		agents, err := c.Agents(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(agents))
		for name := range agents {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			a := agents[name]
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s  from $%.4f USDC\n  %s\n", name, bold(a.Name), a.BaseCost, muted(a.Description))
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List your tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListTasks(cmd.Context(), limit, 0)
		if err != nil {
			return err
		}
		printTasks(cmd.OutOrStdout(), list.Tasks)
		if list.Total > len(list.Tasks) {
			fmt.Fprintln(cmd.OutOrStdout(), muted(fmt.Sprintf("%d of %d tasks shown", len(list.Tasks), list.Total)))
		}
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve or deny a pending payment approval without e-mail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deny, _ := cmd.Flags().GetBool("deny")
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.SimulateApproval(cmd.Context(), args[0], !deny)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "approval %s is now %s\n", res.ID, statusColor(res.Status))
		return nil
	},
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Show the wallet bound to your account, binding --key first when given",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		key, err := signingKey()
		if err != nil {
			return err
		}
		if key != nil {
			if _, err := c.ConnectKey(cmd.Context(), key); err != nil {
				return err
			}
		}
		info, err := c.WalletInfo(cmd.Context())
		if err != nil {
			return err
		}
		if !info.Connected {
			fmt.Fprintln(cmd.OutOrStdout(), muted("no wallet connected; pass --key to bind one"))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s on %s (chain %d)\nbalance: $%.6f USDC\n", bold(info.Address), info.Chain, info.ChainID, info.USDCBalance)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account e-mail")
	loginCmd.Flags().String("password", "", "account password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")
	tasksCmd.Flags().Int("limit", 50, "maximum number of tasks")
	approveCmd.Flags().Bool("deny", false, "deny instead of approve")

	rootCmd.AddCommand(loginCmd, logoutCmd, agentsCmd, tasksCmd, approveCmd, walletCmd)
}
