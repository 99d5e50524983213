package evidence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/callsync/callsync/pkg/engine"
)

// Kind names an evidence source implementation.
type Kind string

const (
	// KindJSONL reads a JSON-lines call-log export.
	KindJSONL Kind = "jsonl"

	// KindAndroidDB reads the calls table of an Android calllog.db snapshot.
	KindAndroidDB Kind = "android_db"
)

// Open returns the call-log reader for kind. The file does not need to
// exist yet; a missing file is reported by Query as unavailable evidence.
func Open(kind Kind, path string, logger zerolog.Logger) (engine.CallLog, error) {
	if path == "" {
		return nil, fmt.Errorf("evidence path is required")
	}
	switch kind {
	case KindJSONL:
		return NewJSONLSource(path, logger), nil
	case KindAndroidDB:
		return NewAndroidDBSource(path, logger), nil
	default:
		return nil, fmt.Errorf("unsupported evidence kind: %q", kind)
	}
}

// checkReadable stats path and maps access failures to EVIDENCE_UNAVAILABLE.
func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return unavailable(path, err)
	}
	if info.IsDir() {
		return unavailable(path, fmt.Errorf("%s is a directory", path))
	}
	return nil
}

func unavailable(path string, err error) error {
	reason := "unreadable"
	switch {
	case errors.Is(err, fs.ErrNotExist):
		reason = "missing"
	case errors.Is(err, fs.ErrPermission):
		reason = "permission denied"
	}
	return engine.NewEvidenceUnavailableError(err).
		WithResource(path).
		WithDetail("reason", reason)
}

// androidDirection maps CallLog.Calls.TYPE values.
func androidDirection(t int) engine.Direction {
	switch t {
	case 1, 4, 7: // incoming, voicemail, answered externally
		return engine.DirectionIncoming
	case 2:
		return engine.DirectionOutgoing
	case 3:
		return engine.DirectionMissed
	case 5:
		return engine.DirectionRejected
	case 6:
		return engine.DirectionBlocked
	default:
		return engine.DirectionUnknown
	}
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func sortByTimestamp(entries []engine.CallLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
