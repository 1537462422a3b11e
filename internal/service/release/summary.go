package release

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// Outcome is the result of one matrix environment.
type Outcome struct {
	// Environment is the environment the build ran in.
	Environment string
	// Err is the build or collection failure, nil on success.
	Err error
	// Artifact is the renamed image path once collected.
	Artifact string
	// Duration is how long the build took.
	Duration time.Duration
}

// Succeeded reports whether the build and its collection both succeeded.
func (o *Outcome) Succeeded() bool {
	return o.Err == nil
}

// status is the table cell for o.
func (o *Outcome) status() string {
	if o.Err != nil {
		return "FAILED"
	}

	return "OK"
}

// writeSummary renders one row per environment.
func writeSummary(w io.Writer, version string, outcomes []*Outcome) error {
	if _, err := fmt.Fprintf(w, "\nRelease %s\n\n", version); err != nil {
		return err
	}

	table := tablewriter.NewTable(
		w,
		tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
			Borders:  tw.BorderNone,
			Settings: tw.Settings{Separators: tw.Separators{BetweenColumns: tw.On}},
		})),
	)

	table.Header([]string{"Environment", "Status", "Duration", "Artifact"})

	rows := make([][]any, 0, len(outcomes))

	for _, outcome := range outcomes {
		artifact := "-"
		if outcome.Artifact != "" {
			artifact = filepath.Base(outcome.Artifact)
		}

		rows = append(rows, []any{
			outcome.Environment,
			outcome.status(),
			outcome.Duration.Round(time.Second).String(),
			artifact,
		})
	}

	if err := table.Bulk(rows); err != nil {
		return fmt.Errorf("fill summary: %w", err)
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}

	return nil
}
