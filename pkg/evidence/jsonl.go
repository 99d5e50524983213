package evidence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// maxLineSize bounds a single JSON-lines record.
const maxLineSize = 64 * 1024

// JSONLSource reads call-log entries from a JSON-lines file, one record per
// line:
//
//	{"id":"42","number":"+79001234567","timestamp":"2026-03-01T10:00:00Z","duration":45,"direction":"outgoing"}
//
// timestamp may also be unix seconds or milliseconds. An Android numeric
// "type" is accepted in place of direction. The file is re-read on every
// query so that appends by the exporter are picked up.
type JSONLSource struct {
	path   string
	logger zerolog.Logger
}

var _ engine.CallLog = (*JSONLSource)(nil)

// NewJSONLSource creates a reader for the file at path.
func NewJSONLSource(path string, logger zerolog.Logger) *JSONLSource {
	return &JSONLSource{
		path:   path,
		logger: logger.With().Str("component", "evidence").Str("source", string(KindJSONL)).Logger(),
	}
}

type jsonlRecord struct {
	ID        json.RawMessage `json:"id"`
	Number    string          `json:"number"`
	Timestamp json.RawMessage `json:"timestamp"`
	Duration  int             `json:"duration"`
	Direction string          `json:"direction"`
	Type      *int            `json:"type"`
}

// Query returns entries with timestamps in [from, to], oldest first.
// Malformed lines are skipped.
func (s *JSONLSource) Query(ctx context.Context, from, to time.Time) ([]engine.CallLogEntry, error) {
	if err := checkReadable(s.path); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, unavailable(s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var (
		entries []engine.CallLogEntry
		lineNo  int
		skipped int
	)
	for scanner.Scan() {
		lineNo++
		if lineNo%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		entry, err := parseRecord(line)
		if err != nil {
			skipped++
			s.logger.Debug().Err(err).Int("line", lineNo).Msg("Skipping malformed call-log record")
			continue
		}
		if inRange(entry.Timestamp, from, to) {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, unavailable(s.path, fmt.Errorf("failed to read line %d: %w", lineNo+1, err))
	}

	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Msg("Skipped malformed call-log records")
	}
	sortByTimestamp(entries)
	return entries, nil
}

func parseRecord(line []byte) (engine.CallLogEntry, error) {
	var rec jsonlRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return engine.CallLogEntry{}, err
	}
	if rec.Number == "" {
		return engine.CallLogEntry{}, fmt.Errorf("record has no number")
	}
	if rec.Duration < 0 {
		return engine.CallLogEntry{}, fmt.Errorf("negative duration %d", rec.Duration)
	}
	ts, err := parseTimestamp(rec.Timestamp)
	if err != nil {
		return engine.CallLogEntry{}, err
	}

	dir := engine.ParseDirection(strings.ToLower(strings.TrimSpace(rec.Direction)))
	if rec.Direction == "" && rec.Type != nil {
		dir = androidDirection(*rec.Type)
	}

	return engine.CallLogEntry{
		ID:              parseID(rec.ID),
		Number:          rec.Number,
		Timestamp:       ts,
		DurationSeconds: rec.Duration,
		Direction:       dir,
	}, nil
}

// parseID accepts a string or numeric id.
func parseID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// msThreshold separates unix seconds from unix milliseconds.
const msThreshold = 1e11

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("record has no timestamp")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
		return fromUnix(n), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
	}
	return fromUnix(n), nil
}

func fromUnix(n int64) time.Time {
	if n >= msThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
