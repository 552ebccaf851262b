package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/analyst/pkg/guard"
	"github.com/malbeclabs/analyst/pkg/policy"
)

type GuardCmd struct {
	root *rootOptions
}

func NewGuardCmd(root *rootOptions) *GuardCmd {
	return &GuardCmd{root: root}
}

func (c *GuardCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guard [query]",
		Short: "Check a query against the data policy and print the rewritten query",
		Long:  "Check a query against the data policy and print the rewritten query. The query is read from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			model, err := loadPolicy(c.root.cfg.PolicyPath)
			if err != nil {
				return fmt.Errorf("failed to load policy model: %w", err)
			}
			return checkQuery(cmd.OutOrStdout(), query, model, guard.Options{Sandbox: c.root.cfg.Sandbox()})
		},
	}
	return cmd
}

func checkQuery(w io.Writer, query string, model *policy.Model, opts guard.Options) error {
	rewritten, err := guard.Check(query, model, opts)
	if err != nil {
		return fmt.Errorf("query rejected: %w", err)
	}
	fmt.Fprintln(w, rewritten)
	return nil
}

// readInput joins args, or reads r in full when there are none.
func readInput(r io.Reader, args []string) (string, error) {
	var text string
	if len(args) > 0 {
		text = strings.Join(args, " ")
	} else {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("input is required")
	}
	return text, nil
}
