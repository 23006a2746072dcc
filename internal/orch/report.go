package orch

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"
)

// Row is one test's line in a run report.
type Row struct {
	Test          string
	Passed        bool
	CacheHit      bool
	Attempts      int
	Duration      time.Duration
	DeviceID      string
	Error         string // truncated, empty on pass
	Interruptions int
}

// Report aggregates one orchestrated run.
//
// Rows arrive in completion order from the scheduler; Sort puts them in
// test-path order so rendering is deterministic across runs.
type Report struct {
	RunID     string
	Suite     string
	StartedAt time.Time
	Elapsed   time.Duration
	Rows      []Row
}

// Sort orders rows by test path.
func (r *Report) Sort() {
	sort.Slice(r.Rows, func(i, j int) bool {
		return r.Rows[i].Test < r.Rows[j].Test
	})
}

// Passed reports whether every test in the run passed.
func (r *Report) Passed() bool {
	for _, row := range r.Rows {
		if !row.Passed {
			return false
		}
	}
	return true
}

// Counts returns the pass/fail/cache-hit totals.
func (r *Report) Counts() (passed, failed, cached int) {
	for _, row := range r.Rows {
		if row.Passed {
			passed++
		} else {
			failed++
		}
		if row.CacheHit {
			cached++
		}
	}
	return passed, failed, cached
}

// Render writes the report as plain text. Output depends only on the
// report's fields, in sorted row order.
func (r *Report) Render(w io.Writer) error {
	r.Sort()

	if r.Suite != "" {
		fmt.Fprintf(w, "run %s (suite %s)\n", r.RunID, r.Suite)
	} else {
		fmt.Fprintf(w, "run %s\n", r.RunID)
	}

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	for _, row := range r.Rows {
		verdict := "PASS"
		if !row.Passed {
			verdict = "FAIL"
		}
		if row.CacheHit {
			fmt.Fprintf(tw, "%s\t%s\tcached\n", verdict, row.Test)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\tdevice=%s attempts=%d interruptions=%d %s\n",
			verdict, row.Test, row.DeviceID, row.Attempts, row.Interruptions,
			formatDuration(row.Duration))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, row := range r.Rows {
		if !row.Passed && row.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", row.Test, row.Error)
		}
	}

	passed, failed, cached := r.Counts()
	fmt.Fprintf(w, "%d tests: %d passed, %d failed, %d cached (%s)\n",
		len(r.Rows), passed, failed, cached, formatDuration(r.Elapsed))
	return nil
}

// formatDuration rounds to 100ms so reports stay readable.
func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Millisecond).String()
}
