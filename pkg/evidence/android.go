package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/callsync/callsync/pkg/engine"
)

const androidCallsQuery = `
SELECT _id, number, date, duration, type
FROM calls
WHERE date BETWEEN ? AND ?
ORDER BY date`

// AndroidDBSource reads the calls table of an Android call-log database
// (calllog.db or contacts2.db). The database is opened read-only for each
// query because the platform, or a copy job, may replace the file at any
// time.
type AndroidDBSource struct {
	path        string
	busyTimeout time.Duration
	logger      zerolog.Logger
}

var _ engine.CallLog = (*AndroidDBSource)(nil)

// NewAndroidDBSource creates a reader for the database at path.
func NewAndroidDBSource(path string, logger zerolog.Logger) *AndroidDBSource {
	return &AndroidDBSource{
		path:        path,
		busyTimeout: 2 * time.Second,
		logger:      logger.With().Str("component", "evidence").Str("source", string(KindAndroidDB)).Logger(),
	}
}

func (s *AndroidDBSource) dataSourceName() string {
	return fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(%d)&_pragma=query_only(1)",
		s.path, s.busyTimeout.Milliseconds())
}

// Query returns entries with timestamps in [from, to], oldest first. Any
// failure to open or read the database is reported as unavailable evidence.
func (s *AndroidDBSource) Query(ctx context.Context, from, to time.Time) ([]engine.CallLogEntry, error) {
	if err := checkReadable(s.path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", s.dataSourceName())
	if err != nil {
		return nil, unavailable(s.path, fmt.Errorf("failed to open database: %w", err))
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	rows, err := db.QueryContext(ctx, androidCallsQuery, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(s.path, fmt.Errorf("failed to query calls: %w", err))
	}
	defer rows.Close()

	var entries []engine.CallLogEntry
	for rows.Next() {
		var (
			id       int64
			number   sql.NullString
			date     int64
			duration sql.NullInt64
			callType sql.NullInt64
		)
		if err := rows.Scan(&id, &number, &date, &duration, &callType); err != nil {
			return nil, unavailable(s.path, fmt.Errorf("failed to scan call: %w", err))
		}
		if !number.Valid || number.String == "" {
			// Private and unknown numbers can never match a command
			continue
		}
		entries = append(entries, engine.CallLogEntry{
			ID:              "calls/" + strconv.FormatInt(id, 10),
			Number:          number.String,
			Timestamp:       time.UnixMilli(date).UTC(),
			DurationSeconds: int(max(duration.Int64, 0)),
			Direction:       androidDirection(int(callType.Int64)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(s.path, fmt.Errorf("failed to read calls: %w", err))
	}

	s.logger.Debug().Int("count", len(entries)).Time("from", from).Time("to", to).Msg("Queried call log")
	return entries, nil
}
