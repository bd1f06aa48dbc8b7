// Package contacts reads candidate recipients from a tabular contact source.
package contacts

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"blastbot/internal/model"
	"blastbot/pkg/logx"
)

// phoneColumnFallbacks is tried in order when no phone column is configured.
var phoneColumnFallbacks = []string{"phone", "phone_number", "mobile", "number", "contact"}

type Config struct {
	Path string
	// NameColumn is the display-name column; empty means the first column.
	NameColumn string
	// PhoneColumn overrides the fallback column-name search.
	PhoneColumn string
}

// CSVSource reads recipients from a CSV file on every Fetch. Rows without a
// usable phone value are discarded.
type CSVSource struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
}

func NewCSV(cfg Config, log logx.Logger) *CSVSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CSVSource{cfg: cfg, log: log}
}

// Apply swaps the source configuration at runtime; the next Fetch uses it.
func (s *CSVSource) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *CSVSource) Fetch(ctx context.Context) ([]model.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open contact source: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read contact header: %w", err)
	}

	nameIdx, phoneIdx, err := resolveColumns(header, cfg.NameColumn, cfg.PhoneColumn)
	if err != nil {
		return nil, err
	}

	var out []model.Recipient
	dropped := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed row: skip it, keep reading.
			dropped++
			continue
		}
		if phoneIdx >= len(row) {
			dropped++
			continue
		}
		raw := strings.TrimSpace(row[phoneIdx])
		if !hasDigit(raw) {
			dropped++
			continue
		}
		rec := model.Recipient{RawPhone: raw}
		if nameIdx >= 0 && nameIdx < len(row) {
			rec.DisplayName = strings.TrimSpace(row[nameIdx])
		}
		out = append(out, rec)
	}

	if dropped > 0 {
		s.log.Debug("contact rows discarded", logx.Int("dropped", dropped), logx.Int("kept", len(out)))
	}
	return out, nil
}

func resolveColumns(header []string, nameCol, phoneCol string) (nameIdx, phoneIdx int, err error) {
	nameIdx = 0
	if strings.TrimSpace(nameCol) != "" {
		nameIdx = columnIndex(header, nameCol)
		if nameIdx < 0 {
			return 0, 0, fmt.Errorf("name column %q not found", nameCol)
		}
	}

	if strings.TrimSpace(phoneCol) != "" {
		phoneIdx = columnIndex(header, phoneCol)
		if phoneIdx < 0 {
			return 0, 0, fmt.Errorf("phone column %q not found", phoneCol)
		}
		return nameIdx, phoneIdx, nil
	}
	for _, cand := range phoneColumnFallbacks {
		if idx := columnIndex(header, cand); idx >= 0 {
			return nameIdx, idx, nil
		}
	}
	return 0, 0, fmt.Errorf("no phone column found (tried %s)", strings.Join(phoneColumnFallbacks, ", "))
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(name)) {
			return i
		}
	}
	return -1
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
