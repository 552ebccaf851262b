package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/server"
	"github.com/malbeclabs/analyst/pkg/llm"
)

type PlanCmd struct {
	root *rootOptions
}

func NewPlanCmd(root *rootOptions) *PlanCmd {
	return &PlanCmd{root: root}
}

func (c *PlanCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [question]",
		Short: "Print the task plan for a question without generating or running queries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := cmd.Flags().GetStringArray("history")
			if err != nil {
				return fmt.Errorf("failed to get history flag: %w", err)
			}
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question is required")
			}

			log := c.root.logger()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			model, err := loadPolicy(c.root.cfg.PolicyPath)
			if err != nil {
				return fmt.Errorf("failed to load policy model: %w", err)
			}
			client, err := llm.NewAnthropic(c.root.cfg.AnthropicConfig(log))
			if err != nil {
				return fmt.Errorf("failed to create llm client: %w", err)
			}
			p, err := newPlanner(log, &c.root.cfg, model, client)
			if err != nil {
				return err
			}

			plan := p.Plan(ctx, question, history)
			return writeJSON(cmd.OutOrStdout(), server.NewPlanOutput(plan))
		},
	}
	cmd.Flags().StringArray("history", nil, "earlier message in the conversation, oldest first (repeatable)")
	return cmd
}
