package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/server"
	"github.com/malbeclabs/analyst/pkg/pipeline"
)

type LevelsCmd struct{}

func NewLevelsCmd() *LevelsCmd {
	return &LevelsCmd{}
}

func (c *LevelsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "levels [plan.json]",
		Short: "Print the execution levels of a plan",
		Long:  "Print the execution levels of a plan given as JSON, either a plan object with a steps field or a bare array of steps. The plan is read from stdin when no file is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open plan: %w", err)
				}
				defer f.Close()
				in = f
			}
			plan, err := decodePlan(in)
			if err != nil {
				return err
			}
			printLevels(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	return cmd
}

func decodePlan(r io.Reader) (pipeline.Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return pipeline.Plan{}, fmt.Errorf("failed to read plan: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var steps []pipeline.PlanStep
		if err := json.Unmarshal([]byte(trimmed), &steps); err != nil {
			return pipeline.Plan{}, fmt.Errorf("failed to parse plan steps: %w", err)
		}
		return pipeline.Plan{Steps: steps}, nil
	}
	var plan pipeline.Plan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return pipeline.Plan{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	return plan, nil
}

func printLevels(w io.Writer, plan pipeline.Plan) {
	out := server.NewPlanOutput(plan)
	goals := make(map[string]string, len(plan.Steps))
	for _, s := range plan.Steps {
		goals[s.ID] = s.Goal
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Level", "Step", "Goal"})
	for i, level := range out.Levels {
		for _, id := range level {
			table.Append([]string{fmt.Sprintf("%d", i), id, goals[id]})
		}
	}
	table.Render()
}
