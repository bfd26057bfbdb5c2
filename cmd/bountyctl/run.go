package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"AgentBounty/internal/agent"
	"AgentBounty/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run <agent> <request...>",
	Short: "Create a task, wait for it and unlock its result",
	Long: "run creates a task for the agent, starts it and follows it to the end. Results that cost money are paid " +
		"with the wallet given by --key; expensive results wait for the approval e-mail first.",
	Example: "  bountyctl run factcheck The sky is blue\n" +
		"  bountyctl run factcheck --url https://example.com/article\n" +
		"  bountyctl run ai-travel-planner 3 days in Lisbon in May --key $KEY",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pageURL, _ := cmd.Flags().GetString("url")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		in, err := buildInput(args[0], strings.Join(args[1:], " "), pageURL)
		if err != nil {
			return err
		}
		return runTask(cmd.Context(), cmd.OutOrStdout(), in, timeout)
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo [claim...]",
	Short: "Fact-check a claim in a demo session; nothing is charged",
	RunE: func(cmd *cobra.Command, args []string) error {
		demoMode = true
		claim := strings.Join(args, " ")
		if claim == "" {
			claim = "The sky is blue"
		}
		return runTask(cmd.Context(), cmd.OutOrStdout(), agent.FactCheckText{Text: claim}, 2*time.Minute)
	},
}

func init() {
	runCmd.Flags().String("url", "", "fact-check the page at this URL instead of text")
	runCmd.Flags().Duration("timeout", 10*time.Minute, "give up after this long")
	rootCmd.AddCommand(runCmd, demoCmd)
}

func buildInput(agentType, text, pageURL string) (agent.Input, error) {
	switch agentType {
	case agent.TypeFactCheck:
		if pageURL != "" {
			return agent.FactCheckURL{URL: pageURL}, nil
		}
		return agent.FactCheckText{Text: text}, nil
	case agent.TypeTravelPlanner:
		return agent.TravelRequest{Text: text}, nil
	}
	return nil, fmt.Errorf("unknown agent %q; run `bountyctl agents` for the list", agentType)
}

func runTask(ctx context.Context, out io.Writer, in agent.Input, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := newClient()
	if err != nil {
		return err
	}
	key, err := signingKey()
	if err != nil {
		return err
	}
	var wallet ui.Wallet
	if key != nil {
		wallet = ui.NewKeyWallet(key)
	}

	app := ui.New(ctx, ui.Config{Demo: demoMode}, client, wallet, newTerminalScreen(out))
	defer app.Close()

	if err := app.Load(ctx); err != nil {
		return err
	}
	s := app.Snapshot()
	if !s.Authenticated {
		return errors.New("not logged in; run `bountyctl login` or use --demo")
	}
	if !s.Demo && s.Wallet == "" && wallet != nil {
		if err := app.ConnectWallet(ctx); err != nil {
			return err
		}
	}

	known := map[string]bool{}
	for _, t := range s.Tasks {
		known[t.ID] = true
	}
	if err := app.SubmitTask(ctx, in); err != nil {
		return err
	}
	taskID := newestTask(app.Snapshot(), known)
	if taskID == "" {
		return errors.New("the created task is not in the task list")
	}
	fmt.Fprintf(out, "task %s started (%s)\n", bold(taskID), in.Summary())

	return follow(ctx, out, app, taskID, wallet != nil)
}

func newestTask(s *ui.State, known map[string]bool) string {
	for _, t := range s.Tasks {
		if !known[t.ID] {
			return t.ID
		}
	}
	return ""
}

// follow waits for the task's panel to settle, paying when a payment is
// asked for and a wallet or demo session can cover it.
func follow(ctx context.Context, out io.Writer, app *ui.App, taskID string, canPay bool) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	paid, hinted := false, false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}

		s := app.Snapshot()
		p := s.Panels[taskID]
		if p == nil {
			continue
		}
		switch p.Kind {
		case ui.PanelContent:
			if p.Paid {
				fmt.Fprintf(out, "%s tx %s\n", green("paid"), p.TxHash)
			}
			fmt.Fprint(out, renderMarkdown(p.Content))
			return nil
		case ui.PanelFailed:
			return fmt.Errorf("task failed: %s", p.Message)
		case ui.PanelDenied:
			return fmt.Errorf("payment not approved: %s", p.Message)
		case ui.PanelApprovalTimedOut:
			fmt.Fprintln(out, yellow("approval still pending, checking again"))
			app.RetryApproval(taskID)
		case ui.PanelPayment:
			if paid || p.Busy {
				continue
			}
			if !s.Demo && !canPay {
				return fmt.Errorf("result costs $%.4f USDC; pass --key to pay", p.Amount)
			}
			paid = true
			if err := app.Pay(ctx, taskID); err != nil {
				return err
			}
		case ui.PanelAwaitingApproval:
			if !hinted && p.ApprovalID != "" {
				hinted = true
				fmt.Fprintf(out, "approve from the e-mail or with `bountyctl approve %s`\n", p.ApprovalID)
			}
		}
	}
}
