// Package source reads Zabbix history rows incrementally.
//
// Every fetch first resolves the distinct item ids, then filters the
// history table by those ids and by clock. The id filter lets the database
// use the (itemid, clock) index of the history tables; a predicate on clock
// alone scans the whole table.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnect means the database could not be reached
	ErrConnect = errors.New("database connection failed")
	// ErrQuery means a query failed or returned unreadable rows
	ErrQuery = errors.New("database query failed")
)

// Kind is the value type of a history stream
type Kind string

const (
	KindFloat   Kind = "float"
	KindInteger Kind = "integer"
)

// Stream describes one history table and where its checkpoint lives
type Stream struct {
	Name           string
	Kind           Kind
	Table          string
	CheckpointPath string
}

// Record is one history row joined with its host and item key. Text
// columns are kept as the raw bytes the driver returned.
type Record struct {
	Clock int64
	Value float64
	Host  []byte
	Key   []byte
}

// Querier fetches history rows over one database session
type Querier interface {
	Fetch(ctx context.Context, stream Stream, since int64, limit int) ([]Record, error)
	Close() error
}

// Opener acquires a fresh database session
type Opener interface {
	Open(ctx context.Context) (Querier, error)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Session runs fetches on a database handle it owns
type Session struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	logger  *zap.Logger
}

// NewSession wraps db. A zero timeout disables the per-query timeout.
func NewSession(db *sql.DB, dialect Dialect, timeout time.Duration, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{db: db, dialect: dialect, timeout: timeout, logger: logger.Named("source")}
}

// Fetch returns at most limit rows of stream with clock >= since. Row order
// is whatever the index yields.
func (s *Session) Fetch(ctx context.Context, stream Stream, since int64, limit int) ([]Record, error) {
	if !identPattern.MatchString(stream.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrQuery, stream.Table)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrQuery, limit)
	}

	ids, err := s.itemIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		s.logger.Debug("no items defined, nothing to fetch", zap.String("stream", stream.Name))
		return nil, nil
	}

	query, args := s.dialect.historyQuery(stream.Table, ids, since, limit)

	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s since %d: %w", ErrQuery, stream.Table, since, err)
	}
	defer rows.Close()

	records := make([]Record, 0, min(limit, 1024))
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Clock, &r.Value, &r.Host, &r.Key); err != nil {
			return nil, fmt.Errorf("%w: scan %s row: %w", ErrQuery, stream.Table, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s rows: %w", ErrQuery, stream.Table, err)
	}

	s.logger.Debug("fetched history",
		zap.String("stream", stream.Name),
		zap.String("table", stream.Table),
		zap.Int64("since", since),
		zap.Int("items", len(ids)),
		zap.Int("rows", len(records)))
	return records, nil
}

func (s *Session) itemIDs(ctx context.Context) ([]int64, error) {
	qctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(qctx, itemIDsQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve item ids: %w", ErrQuery, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan item id: %w", ErrQuery, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read item ids: %w", ErrQuery, err)
	}
	return ids, nil
}

func (s *Session) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Close releases the database handle
func (s *Session) Close() error {
	return s.db.Close()
}
