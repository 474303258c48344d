// Package sqlitestore implements the storage contract on an embedded
// SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	storage.Register(config.EngineSQLite, func(cfg config.StorageConfig, log *slog.Logger) (storage.Storage, error) {
		return Open(cfg.SQLiteFile, log)
	})
}

// Store is the embedded relational adapter.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the database file and applies the schema.
// Opening the same file twice is safe; migrations are versioned by
// goose and re-running them is a no-op.
func Open(file string, log *slog.Logger) (*Store, error) {
	if file == "" {
		file = "reqprof.db"
	}
	dsn := file
	if file == ":memory:" {
		// A shared cache keeps the in-memory database alive across the
		// pool's connections.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; a capped pool avoids lock
	// contention errors under concurrent inserts.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	if log != nil {
		log = log.With("component", "storage", "engine", config.EngineSQLite)
	}
	return &Store{db: db, log: log}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

var _ storage.Storage = (*Store)(nil)

var sortColumns = map[string]string{
	domain.SortStartedAt:  "started_at",
	domain.SortEndedAt:    "ended_at",
	domain.SortElapsed:    "elapsed",
	domain.SortMethod:     "method",
	domain.SortName:       "name",
	domain.SortCount:      "count",
	domain.SortMinElapsed: "min_elapsed",
	domain.SortMaxElapsed: "max_elapsed",
	domain.SortAvgElapsed: "avg_elapsed",
}

// Insert persists a measurement and returns its identifier.
func (s *Store) Insert(ctx context.Context, m domain.Measurement) (string, error) {
	args, kwargs, rctx, stats, err := encodeFields(m)
	if err != nil {
		return "", err
	}
	const query = `INSERT INTO measurements
		(started_at, ended_at, elapsed, method, name, args, kwargs, context, profile_stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		m.StartedAt, m.EndedAt, m.Elapsed, m.Method, m.Name, args, kwargs, rctx, stats)
	if err != nil {
		return "", fmt.Errorf("insert measurement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("read inserted id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Get fetches one measurement by identifier.
func (s *Store) Get(ctx context.Context, id string) (domain.Measurement, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.Measurement{}, storage.ErrNotFound
	}
	const query = `SELECT id, started_at, ended_at, elapsed, method, name, args, kwargs, context, profile_stats
		FROM measurements WHERE id = ?`
	m, err := scanMeasurement(s.db.QueryRowContext(ctx, query, numeric))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Measurement{}, storage.ErrNotFound
	}
	return m, err
}

// List returns a sorted page plus the unpaginated match count.
func (s *Store) List(ctx context.Context, c domain.Criteria) (domain.Page, error) {
	c = storage.NormalizeList(c)
	where, params := buildWhere(c)

	page := domain.Page{Results: []domain.Measurement{}}
	countQuery := "SELECT COUNT(*) FROM measurements" + where
	if err := s.db.QueryRowContext(ctx, countQuery, params...).Scan(&page.TotalCount); err != nil {
		return page, fmt.Errorf("count measurements: %w", err)
	}

	dir := "ASC"
	if c.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT id, started_at, ended_at, elapsed, method, name, args, kwargs, context, profile_stats
		FROM measurements%s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?`,
		where, sortColumns[c.SortField], dir)
	rows, err := s.db.QueryContext(ctx, query, append(params, c.Limit, c.Skip)...)
	if err != nil {
		return page, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return page, err
		}
		page.Results = append(page.Results, m)
	}
	return page, rows.Err()
}

// Grouped aggregates per (name, method) with the aggregation pushed into
// SQLite rather than computed in process.
func (s *Store) Grouped(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error) {
	c = storage.NormalizeGrouped(c)
	where, params := buildWhere(c)
	dir := "ASC"
	if c.SortDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT name, method, COUNT(*) AS count,
			MIN(elapsed) AS min_elapsed, MAX(elapsed) AS max_elapsed, AVG(elapsed) AS avg_elapsed
		FROM measurements%s
		GROUP BY name, method
		ORDER BY %s %s, name ASC, method ASC
		LIMIT ? OFFSET ?`, where, sortColumns[c.SortField], dir)
	rows, err := s.db.QueryContext(ctx, query, append(params, c.Limit, c.Skip)...)
	if err != nil {
		return nil, fmt.Errorf("group measurements: %w", err)
	}
	defer rows.Close()
	stats := []domain.GroupedStat{}
	for rows.Next() {
		var g domain.GroupedStat
		if err := rows.Scan(&g.Name, &g.Method, &g.Count, &g.MinElapsed, &g.MaxElapsed, &g.AvgElapsed); err != nil {
			return nil, fmt.Errorf("scan grouped row: %w", err)
		}
		stats = append(stats, g)
	}
	return stats, rows.Err()
}

// Timeseries buckets measurement starts over the criteria window.
func (s *Store) Timeseries(ctx context.Context, c domain.Criteria, bucketWidth float64) ([]domain.TimeBucket, error) {
	where, params := buildWhere(c)
	query := `SELECT CAST((started_at - ?) / ? AS INTEGER) AS bucket, COUNT(*)
		FROM measurements` + where + ` GROUP BY bucket`
	rows, err := s.db.QueryContext(ctx, query, append([]any{c.StartedAt, bucketWidth}, params...)...)
	if err != nil {
		return nil, fmt.Errorf("bucket measurements: %w", err)
	}
	defer rows.Close()
	counts := make(map[int]int64)
	for rows.Next() {
		var bucket int
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scan bucket row: %w", err)
		}
		counts[bucket] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.FillBuckets(c.StartedAt, c.EndedAt, bucketWidth, counts), nil
}

// MethodDistribution counts measurements per HTTP method.
func (s *Store) MethodDistribution(ctx context.Context, c domain.Criteria) (map[string]int64, error) {
	where, params := buildWhere(c)
	query := `SELECT method, COUNT(*) FROM measurements` + where + ` GROUP BY method`
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("method distribution: %w", err)
	}
	defer rows.Close()
	dist := make(map[string]int64)
	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("scan distribution row: %w", err)
		}
		dist[method] = count
	}
	return dist, rows.Err()
}

// Delete removes one measurement.
func (s *Store) Delete(ctx context.Context, id string) error {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return storage.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE id = ?`, numeric)
	if err != nil {
		return fmt.Errorf("delete measurement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteAll truncates the measurements table.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements`)
	if err != nil {
		return 0, fmt.Errorf("truncate measurements: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes measurements started before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire measurements: %w", err)
	}
	return res.RowsAffected()
}

// DumpAll streams every measurement through fn in id order.
func (s *Store) DumpAll(ctx context.Context, fn func(domain.Measurement) error) error {
	const query = `SELECT id, started_at, ended_at, elapsed, method, name, args, kwargs, context, profile_stats
		FROM measurements ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("dump measurements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping reports database liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildWhere(c domain.Criteria) (string, []any) {
	var clauses []string
	var params []any
	clauses = append(clauses, "started_at >= ?", "ended_at <= ?")
	params = append(params, c.StartedAt, c.EndedAt)
	if c.Elapsed != nil {
		clauses = append(clauses, "elapsed >= ?")
		params = append(params, *c.Elapsed)
	}
	if c.Method != "" {
		clauses = append(clauses, "UPPER(method) = UPPER(?)")
		params = append(params, c.Method)
	}
	if c.Name != "" {
		clauses = append(clauses, "INSTR(name, ?) > 0")
		params = append(params, c.Name)
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeasurement(row rowScanner) (domain.Measurement, error) {
	var (
		m     domain.Measurement
		id    int64
		args  string
		kw    string
		rctx  string
		stats sql.NullString
	)
	if err := row.Scan(&id, &m.StartedAt, &m.EndedAt, &m.Elapsed, &m.Method, &m.Name, &args, &kw, &rctx, &stats); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan measurement: %w", err)
	}
	m.ID = strconv.FormatInt(id, 10)
	if err := decodeFields(&m, args, kw, rctx, stats.String); err != nil {
		return m, err
	}
	return m, nil
}

func encodeFields(m domain.Measurement) (args, kwargs, rctx string, stats any, err error) {
	a, err := json.Marshal(ensureMap(m.Args))
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encode args: %w", err)
	}
	k, err := json.Marshal(ensureMap(m.Kwargs))
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encode kwargs: %w", err)
	}
	cb, err := json.Marshal(m.Context)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("encode context: %w", err)
	}
	stats = nil
	if len(m.ProfileStats) > 0 {
		stats = string(m.ProfileStats)
	}
	return string(a), string(k), string(cb), stats, nil
}

func decodeFields(m *domain.Measurement, args, kwargs, rctx, stats string) error {
	if err := json.Unmarshal([]byte(args), &m.Args); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(kwargs), &m.Kwargs); err != nil {
		return fmt.Errorf("decode kwargs: %w", err)
	}
	if err := json.Unmarshal([]byte(rctx), &m.Context); err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	if stats != "" {
		m.ProfileStats = json.RawMessage(stats)
	}
	return nil
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
