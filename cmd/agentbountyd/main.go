// Command agentbountyd runs the AgentBounty marketplace server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "agentbountyd",
	Short:        "AgentBounty marketplace server",
	Long:         "agentbountyd serves the AgentBounty API: pay-per-result AI agents settled with signed USDC authorizations and e-mail approval for expensive results.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $AGENTBOUNTY_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
