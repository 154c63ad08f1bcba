package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iamzoltan/piker/internal/sharedmem"
)

// barRow is one bar as written to the bars hypertable.
type barRow struct {
	FQSN   string
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Store writes and reads OHLCV history. It satisfies the feed bus's
// BarStore dependency.
type Store struct {
	db     *pgxpool.Pool
	logger *slog.Logger

	// Metrics
	stats Stats
}

// Stats counts store activity. Reads of the struct race harmlessly; it is
// informational only.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Reads     int64
	Errors    int64
}

// NewStore wraps a connection pool.
func NewStore(db *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// EnsureSchema creates the bars table if missing. On a TimescaleDB server
// it is additionally turned into a hypertable; on plain Postgres that step
// is skipped.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bars (
			fqsn    TEXT             NOT NULL,
			time    BIGINT           NOT NULL,
			open    DOUBLE PRECISION NOT NULL,
			high    DOUBLE PRECISION NOT NULL,
			low     DOUBLE PRECISION NOT NULL,
			close   DOUBLE PRECISION NOT NULL,
			volume  DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (fqsn, time)
		)
	`)
	if err != nil {
		return fmt.Errorf("create bars table: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`SELECT create_hypertable('bars', 'time', chunk_time_interval => 86400, if_not_exists => TRUE)`,
	)
	if err != nil {
		s.logger.Warn("hypertable creation skipped", "error", err)
	}
	return nil
}

// WriteBars batch-inserts bars for one symbol. Re-inserting already stored
// bars is a no-op, so overlapping backfills are safe.
func (s *Store) WriteBars(ctx context.Context, fqsn string, bars []sharedmem.OHLCV) error {
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, b := range bars {
		r := transform(fqsn, b)
		batch.Queue(`
			INSERT INTO bars (fqsn, time, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (fqsn, time) DO NOTHING
		`, r.FQSN, r.Time, r.Open, r.High, r.Low, r.Close, r.Volume)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	conflicts := 0
	for range bars {
		ct, err := results.Exec()
		if err != nil {
			s.stats.Errors++
			return fmt.Errorf("insert bars for %q: %w", fqsn, err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	s.stats.Inserts += int64(len(bars) - conflicts)
	s.stats.Conflicts += int64(conflicts)
	s.logger.Debug("bars written",
		"fqsn", fqsn,
		"count", len(bars),
		"conflicts", conflicts,
	)
	return nil
}

// ReadBars returns up to limit bars strictly older than the before
// timestamp, oldest first.
func (s *Store) ReadBars(ctx context.Context, fqsn string, before int64, limit int) ([]sharedmem.OHLCV, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT time, open, high, low, close, volume
		FROM bars
		WHERE fqsn = $1 AND time < $2
		ORDER BY time DESC
		LIMIT $3
	`, fqsn, before, limit)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("read bars for %q: %w", fqsn, err)
	}
	defer rows.Close()

	var out []sharedmem.OHLCV
	for rows.Next() {
		var b sharedmem.OHLCV
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// query returns newest first; callers want chronological order
	reverse(out)
	s.stats.Reads += int64(len(out))
	return out, nil
}

// Stats returns a copy of the activity counters.
func (s *Store) Stats() Stats { return s.stats }

// Close releases the underlying pool.
func (s *Store) Close() { s.db.Close() }

func transform(fqsn string, b sharedmem.OHLCV) barRow {
	return barRow{
		FQSN:   fqsn,
		Time:   b.Time,
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
	}
}

func reverse(bars []sharedmem.OHLCV) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}
