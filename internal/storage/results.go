package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ResultsSubDir is where captcha results are journaled under each date.
const ResultsSubDir = "results"

// ResultRecord is one routed captcha result. Tokens are never recorded.
type ResultRecord struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Kind      string    `json:"kind"`
	TabID     string    `json:"tab_id,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Solver    string    `json:"solver,omitempty"`
}

// NewResultsJournal opens the results journal for one relay run.
func NewResultsJournal(baseDir, runID string) *JSONLWriter {
	return NewJSONLWriter(baseDir, ResultsSubDir, runID, 256, 25)
}

// LoadResults reads every journaled result for date (YYYY-MM-DD), oldest
// first. A date with no journal yields an empty slice. Malformed lines are
// skipped.
func LoadResults(baseDir, date string) ([]ResultRecord, error) {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	dir := filepath.Join(baseDir, date, ResultsSubDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []ResultRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read results dir: %w", err)
	}

	out := []ResultRecord{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		recs, err := readResultFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func readResultFile(path string) ([]ResultRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []ResultRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Debug("skipping malformed journal line", "file", path, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}
