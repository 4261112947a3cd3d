package transfer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Summary aggregates a batch's terminal results.
type Summary struct {
	BatchID         string    `json:"batch_id"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Total   int `json:"total"`
	OK      int `json:"ok"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	BytesTransferred int64 `json:"bytes_transferred"`

	Failures []Failure `json:"failures,omitempty"`
}

// Failure names one pair that ended in a terminal error.
type Failure struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Detail      string `json:"detail"`
}

// record folds one terminal result into the summary.
func (s *Summary) record(res Result) {
	s.Total++
	switch res.Status {
	case StatusOK:
		s.OK++
		s.BytesTransferred += res.BytesTransferred
	case StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
		s.Failures = append(s.Failures, Failure{
			Source:      res.Unit.Source,
			Destination: res.Unit.Destination,
			Detail:      res.Description,
		})
	}
}

// WriteSummary persists the summary as JSON using a temp file and rename so
// readers never observe a partial document.
func WriteSummary(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write summary temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename summary file: %w", err)
	}
	return nil
}
