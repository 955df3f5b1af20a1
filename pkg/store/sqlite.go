package store

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/netmonhq/netmon-go/pkg/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS network_requests (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp        INTEGER NOT NULL,
	url              TEXT    NOT NULL,
	method           TEXT    NOT NULL,
	request_headers  TEXT    NOT NULL,
	request_body     TEXT,
	response_code    INTEGER,
	response_headers TEXT,
	response_body    TEXT,
	duration         INTEGER NOT NULL,
	user_id          TEXT,
	properties       TEXT    NOT NULL,
	uploaded         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_network_requests_uploaded_timestamp
	ON network_requests (uploaded, timestamp);
`

const selectColumns = `SELECT id, timestamp, url, method, request_headers, request_body,
	response_code, response_headers, response_body, duration, user_id, properties, uploaded
	FROM network_requests`

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	// Path is the database file. It is created if missing. ":memory:" is
	// accepted and forces a single connection.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int
	Logger   zerolog.Logger
}

// SQLite is a Sink backed by a pool of SQLite connections in WAL mode.
type SQLite struct {
	pool   *sqlitex.Pool
	path   string
	log    zerolog.Logger
	hub    *hub
	closed atomic.Bool
}

var _ Sink = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at cfg.Path and ensures the
// schema exists.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("netmon: sqlite path is required")
	}
	poolSize := cfg.PoolSize
	if cfg.Path == ":memory:" {
		poolSize = 1
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("netmon: opening %s: %w", cfg.Path, err)
	}

	s := &SQLite{pool: pool, path: cfg.Path, log: cfg.Logger, hub: newHub()}
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("netmon: opening %s: %w", cfg.Path, err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("netmon: creating schema: %w", err)
	}

	s.log.Debug().Str("path", cfg.Path).Int("pool_size", poolSize).Msg("sqlite store opened")
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("netmon: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) take(ctx context.Context) (*sqlite.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("netmon: store: %w", err)
	}
	return conn, nil
}

func (s *SQLite) Insert(ctx context.Context, rec *record.Exchange) (id int64, err error) {
	requestHeaders, err := marshalMap(rec.RequestHeaders)
	if err != nil {
		return 0, err
	}
	properties, err := marshalMap(rec.Properties)
	if err != nil {
		return 0, err
	}
	var responseHeaders any
	if rec.ResponseHeaders != nil {
		b, err := marshalMap(rec.ResponseHeaders)
		if err != nil {
			return 0, err
		}
		responseHeaders = b
	}

	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO network_requests
		(timestamp, url, method, request_headers, request_body, response_code,
		 response_headers, response_body, duration, user_id, properties, uploaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			rec.Timestamp,
			rec.URL,
			rec.Method,
			requestHeaders,
			nullString(rec.RequestBody),
			nullInt(rec.ResponseCode),
			responseHeaders,
			nullString(rec.ResponseBody),
			rec.Duration,
			nullString(rec.UserID),
			properties,
			stateFlag(rec.State),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("netmon: insert: %w", err)
	}
	id = conn.LastInsertRowID()
	rec.ID = id
	s.hub.notify()
	return id, nil
}

func (s *SQLite) FetchPending(ctx context.Context, limit int) ([]*record.Exchange, error) {
	return s.query(ctx, selectColumns+` WHERE uploaded = 0 ORDER BY timestamp ASC, id ASC LIMIT ?`, limit)
}

func (s *SQLite) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.transact(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn, `UPDATE network_requests SET uploaded = 1 WHERE id = ?`, &sqlitex.ExecOptions{
				Args: []any{id},
			})
			if err != nil {
				return fmt.Errorf("netmon: mark delivered %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.hub.notify()
	return nil
}

func (s *SQLite) DeleteDelivered(ctx context.Context, olderThan time.Time) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM network_requests WHERE uploaded = 1 AND timestamp < ?`, &sqlitex.ExecOptions{
		Args: []any{olderThan.UnixMilli()},
	})
	if err != nil {
		return 0, fmt.Errorf("netmon: delete delivered: %w", err)
	}
	n := conn.Changes()
	if n > 0 {
		s.hub.notify()
	}
	return n, nil
}

func (s *SQLite) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int
	err := s.transact(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn, `DELETE FROM network_requests WHERE id = ?`, &sqlitex.ExecOptions{
				Args: []any{id},
			})
			if err != nil {
				return fmt.Errorf("netmon: delete %d: %w", id, err)
			}
			n += conn.Changes()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.hub.notify()
	}
	return n, nil
}

func (s *SQLite) CountPending(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM network_requests WHERE uploaded = 0`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("netmon: count pending: %w", err)
	}
	return count, nil
}

func (s *SQLite) StreamAll(ctx context.Context) <-chan []*record.Exchange {
	return s.hub.stream(ctx, s.log, func(ctx context.Context) ([]*record.Exchange, error) {
		return s.query(ctx, selectColumns+` ORDER BY timestamp DESC, id DESC`)
	})
}

// Close waits for borrowed connections to be returned and closes the pool.
func (s *SQLite) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.close()
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("netmon: closing %s: %w", s.path, err)
	}
	s.log.Debug().Str("path", s.path).Msg("sqlite store closed")
	return nil
}

// transact runs fn inside one IMMEDIATE transaction; fn's error rolls it
// back.
func (s *SQLite) transact(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("netmon: begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

func (s *SQLite) query(ctx context.Context, query string, args ...any) ([]*record.Exchange, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var recs []*record.Exchange
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec, err := scanExchange(stmt)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("netmon: query: %w", err)
	}
	return recs, nil
}

func scanExchange(stmt *sqlite.Stmt) (*record.Exchange, error) {
	rec := &record.Exchange{
		ID:           stmt.ColumnInt64(0),
		Timestamp:    stmt.ColumnInt64(1),
		URL:          stmt.ColumnText(2),
		Method:       stmt.ColumnText(3),
		RequestBody:  stmt.ColumnText(5),
		ResponseCode: stmt.ColumnInt(6),
		ResponseBody: stmt.ColumnText(8),
		Duration:     stmt.ColumnInt64(9),
		UserID:       stmt.ColumnText(10),
	}
	if stmt.ColumnInt(12) != 0 {
		rec.State = record.Delivered
	}
	var err error
	if rec.RequestHeaders, err = unmarshalMap(stmt.ColumnText(4)); err != nil {
		return nil, fmt.Errorf("netmon: record %d request headers: %w", rec.ID, err)
	}
	if !stmt.ColumnIsNull(7) {
		if rec.ResponseHeaders, err = unmarshalMap(stmt.ColumnText(7)); err != nil {
			return nil, fmt.Errorf("netmon: record %d response headers: %w", rec.ID, err)
		}
	}
	if rec.Properties, err = unmarshalMap(stmt.ColumnText(11)); err != nil {
		return nil, fmt.Errorf("netmon: record %d properties: %w", rec.ID, err)
	}
	return rec, nil
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("netmon: encoding map: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func stateFlag(s record.DeliveryState) int {
	if s == record.Delivered {
		return 1
	}
	return 0
}
