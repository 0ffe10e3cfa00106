// Package bench provides benchmarking primitives for the htrdata bench command.
package bench

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of one pass over a generator split.
type RunResult struct {
	Index      int
	Cold       bool // true for the first run (cold-start)
	Duration   time.Duration
	Batches    int
	Rows       int
	Throughput float64 // rows per second
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations extracts the per-run durations in order.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}
	return out
}

// ---------------------------------------------------------------------------
// Throughput helpers
// ---------------------------------------------------------------------------

// CalcThroughput returns rows / elapsed seconds.
// Returns 0 if elapsed is zero to avoid division by zero.
func CalcThroughput(rows int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(rows) / elapsed.Seconds()
}

// MeanThroughput averages the per-run throughput, skipping the cold run
// when warm runs exist.
func MeanThroughput(runs []RunResult) float64 {
	var sum float64
	n := 0
	for _, r := range runs {
		if r.Cold && len(runs) > 1 {
			continue
		}
		sum += r.Throughput
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ---------------------------------------------------------------------------
// Measurement
// ---------------------------------------------------------------------------

// StepFunc produces one batch and reports its row count. It returns io.EOF
// when the pass is complete.
type StepFunc func() (rows int, err error)

// Measure times runs passes. newPass is called once per run and returns the
// step function for that pass; each pass ends after steps batches or at
// io.EOF, whichever comes first. steps <= 0 means run to io.EOF.
func Measure(runs, steps int, newPass func() StepFunc) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("runs must be >= 1, got %d", runs)
	}

	results := make([]RunResult, 0, runs)
	for i := 0; i < runs; i++ {
		step := newPass()
		start := time.Now()

		res := RunResult{Index: i, Cold: i == 0}
		for steps <= 0 || res.Batches < steps {
			n, err := step()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return results, fmt.Errorf("run %d batch %d: %w", i+1, res.Batches+1, err)
			}
			res.Batches++
			res.Rows += n
		}

		res.Duration = time.Since(start)
		res.Throughput = CalcThroughput(res.Rows, res.Duration)
		results = append(results, res)
	}

	return results, nil
}

// ---------------------------------------------------------------------------
// Throughput threshold gate
// ---------------------------------------------------------------------------

// CheckThroughputThreshold returns an error if mean < minimum.
// A minimum of 0 disables the gate.
func CheckThroughputThreshold(mean, minimum float64) error {
	if minimum <= 0 {
		return nil
	}
	if mean < minimum {
		return fmt.Errorf("mean throughput %.1f rows/s below minimum %.1f", mean, minimum)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %8s  %8s  %10s\n", "Run", "Cold", "MS", "Batches", "Rows", "Rows/s")
	fmt.Fprintln(sb, strings.Repeat("-", 56))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %8d  %8d  %10.1f\n",
			r.Index+1,
			cold,
			float64(r.Duration.Milliseconds()),
			r.Batches,
			r.Rows,
			r.Throughput,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 56))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", float64(stats.Min.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", float64(stats.Mean.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", float64(stats.Max.Milliseconds()))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	Batches    int     `json:"batches"`
	Rows       int     `json:"rows"`
	RowsPerSec float64 `json:"rows_per_sec"`
}

type jsonStats struct {
	MinMS          float64 `json:"min_ms"`
	MeanMS         float64 `json:"mean_ms"`
	MaxMS          float64 `json:"max_ms"`
	MeanRowsPerSec float64 `json:"mean_rows_per_sec"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:          float64(stats.Min.Milliseconds()),
			MeanMS:         float64(stats.Mean.Milliseconds()),
			MaxMS:          float64(stats.Max.Milliseconds()),
			MeanRowsPerSec: MeanThroughput(runs),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: float64(r.Duration.Milliseconds()),
			Batches:    r.Batches,
			Rows:       r.Rows,
			RowsPerSec: r.Throughput,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
