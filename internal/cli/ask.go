package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/internal/server"
	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/turn"
)

type AskCmd struct {
	root *rootOptions
}

func NewAskCmd(root *rootOptions) *AskCmd {
	return &AskCmd{root: root}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one analytics question and print the retrieved rows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := cmd.Flags().GetString("session")
			if err != nil {
				return fmt.Errorf("failed to get session flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question is required")
			}

			log := c.root.logger()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, log, &c.root.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			resp := a.controller.Handle(ctx, session, question)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), server.NewAskOutput(resp))
			}
			printTurn(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().String("session", "", "session id; reuse it to keep follow-up context")
	cmd.Flags().Bool("json", false, "print the turn as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func printTurn(w io.Writer, resp turn.Response) {
	fmt.Fprintln(w, resp.Message)
	if resp.Blocked != nil {
		fmt.Fprintln(w, "Stop reason:", resp.Blocked.StopReason)
		return
	}
	fmt.Fprintln(w, "Target:", resp.Target.Label)
	fmt.Fprintln(w, "Duration:", resp.Duration.Round(time.Millisecond))

	goals := make(map[string]string, len(resp.Plan.Steps))
	for _, s := range resp.Plan.Steps {
		goals[s.ID] = s.Goal
	}
	for _, r := range resp.Results {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "[%s] %s\n", r.StepID, goals[r.StepID])
		fmt.Fprintln(w, r.Query)
		printRows(w, r)
	}

	if len(resp.Assumptions) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Assumptions:")
		for _, a := range resp.Assumptions {
			fmt.Fprintln(w, "  -", a)
		}
	}
	if resp.Validation != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Checks:")
		for _, check := range resp.Validation.Checks {
			fmt.Fprintln(w, "  -", check)
		}
	}
}

func printRows(w io.Writer, r pipeline.ExecutionResult) {
	columns := resultColumns(r)
	if len(columns) == 0 {
		fmt.Fprintln(w, "(no rows)")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(false)
	table.SetHeader(columns)
	for _, row := range r.Rows {
		cells := make([]string, 0, len(columns))
		for _, col := range columns {
			cells = append(cells, formatCell(row[col]))
		}
		table.Append(cells)
	}
	table.Render()
}

// resultColumns falls back to the sorted keys of the first row when the
// backend reported no column order.
func resultColumns(r pipeline.ExecutionResult) []string {
	if len(r.Columns) > 0 {
		return r.Columns
	}
	if len(r.Rows) == 0 {
		return nil
	}
	columns := make([]string, 0, len(r.Rows[0]))
	for k := range r.Rows[0] {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
