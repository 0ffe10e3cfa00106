// Package results reads the per-line evaluation files written after a
// model has been run over a test partition.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/yargevad/filepathx"

	"github.com/example/go-htrdata/internal/metrics"
)

// FilePattern matches evaluation files; names sort by timestamp.
const FilePattern = "results_*.json"

// ErrNoResults is returned when a directory holds no evaluation file.
var ErrNoResults = errors.New("results: no evaluation files")

// Record is one evaluated line.
type Record struct {
	FileName    string   `json:"file_name"`
	GroundTruth string   `json:"ground_truth_label"`
	Predicted   string   `json:"predicted_label"`
	CER         *float64 `json:"cer"`
}

// Stats summarise the CER values of a set of records.
type Stats struct {
	Average float64 `json:"average_cer"`
	Min     float64 `json:"min_cer"`
	Max     float64 `json:"max_cer"`
}

// Dir returns the evaluation directory of one dataset partition.
func Dir(root, dataset, partition string) string {
	return filepath.Join(root, dataset, partition)
}

// Latest returns the results file with the lexicographically last name
// anywhere under dir. Evaluation runs may write into subdirectories; equal
// names are ordered by full path.
func Latest(dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrNoResults, dir)
		}

		return "", fmt.Errorf("results: %w", err)
	}

	matches, err := filepathx.Glob(filepath.Join(dir, "**", FilePattern))
	if err != nil {
		return "", fmt.Errorf("results: glob %s: %w", dir, err)
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoResults, dir)
	}

	slices.SortFunc(matches, func(a, b string) int {
		if c := strings.Compare(filepath.Base(a), filepath.Base(b)); c != 0 {
			return c
		}

		return strings.Compare(a, b)
	})

	return matches[len(matches)-1], nil
}

// Load decodes one results file.
func Load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("results: read %s: %w", path, err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("results: decode %s: %w", path, err)
	}

	return records, nil
}

// LoadLatest loads the most recent results file in dir.
func LoadLatest(dir string) ([]Record, string, error) {
	path, err := Latest(dir)
	if err != nil {
		return nil, "", err
	}

	records, err := Load(path)
	if err != nil {
		return nil, "", err
	}

	return records, path, nil
}

// Summarize returns CER statistics rounded to three decimals, or false if
// no record carries a CER.
func Summarize(records []Record) (Stats, bool) {
	var (
		sum   float64
		count int
		s     Stats
	)

	for _, r := range records {
		if r.CER == nil {
			continue
		}

		v := *r.CER
		if count == 0 || v < s.Min {
			s.Min = v
		}

		if count == 0 || v > s.Max {
			s.Max = v
		}

		sum += v
		count++
	}

	if count == 0 {
		return Stats{}, false
	}

	return Stats{
		Average: metrics.Round(sum/float64(count), 3),
		Min:     metrics.Round(s.Min, 3),
		Max:     metrics.Round(s.Max, 3),
	}, true
}

// Score recomputes OCR metrics from the predicted and ground-truth labels.
func Score(records []Record, opts metrics.Options) metrics.Scores {
	predicts := make([]string, len(records))
	truths := make([]string, len(records))

	for i, r := range records {
		predicts[i] = r.Predicted
		truths[i] = r.GroundTruth
	}

	return metrics.OCR(predicts, truths, opts)
}
