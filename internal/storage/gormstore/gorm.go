// Package gormstore implements the storage contract on any relational
// database GORM can drive; connections go through pgx against
// PostgreSQL.
package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
)

func init() {
	storage.Register(config.EngineGORM, func(cfg config.StorageConfig, log *slog.Logger) (storage.Storage, error) {
		return Open(cfg.DBURL, cfg.Table, log)
	})
}

// Store is the object-mapper adapter.
type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
	table string
	log   *slog.Logger
}

type measurementRow struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement"`
	StartedAt    float64 `gorm:"column:started_at;not null;index:measurements_window_idx"`
	EndedAt      float64 `gorm:"column:ended_at;not null;index:measurements_window_idx"`
	Elapsed      float64 `gorm:"column:elapsed;not null;index:measurements_window_idx"`
	Method       string  `gorm:"column:method;not null"`
	Name         string  `gorm:"column:name;not null"`
	Args         string  `gorm:"column:args;type:text;not null"`
	Kwargs       string  `gorm:"column:kwargs;type:text;not null"`
	Context      string  `gorm:"column:context;type:text;not null"`
	ProfileStats *string `gorm:"column:profile_stats;type:text"`
}

type groupedRow struct {
	Name       string  `gorm:"column:name"`
	Method     string  `gorm:"column:method"`
	Count      int64   `gorm:"column:count"`
	MinElapsed float64 `gorm:"column:min_elapsed"`
	MaxElapsed float64 `gorm:"column:max_elapsed"`
	AvgElapsed float64 `gorm:"column:avg_elapsed"`
}

// Open connects to the database behind dsn and migrates the measurement
// table. Migration is idempotent; opening the same database twice does
// not duplicate structures.
func Open(dsn, table string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("gormstore: empty database dsn")
	}
	if table == "" {
		table = "measurements"
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx connection: %w", err)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	if err := db.Table(table).AutoMigrate(&measurementRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", table, err)
	}
	if log != nil {
		log = log.With("component", "storage", "engine", config.EngineGORM)
	}
	return &Store{db: db, sqlDB: sqlDB, table: table, log: log}, nil
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

func (s *Store) measurements(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Insert persists a measurement and returns its identifier.
func (s *Store) Insert(ctx context.Context, m domain.Measurement) (string, error) {
	row, err := toRow(m)
	if err != nil {
		return "", err
	}
	if err := s.measurements(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("insert measurement: %w", err)
	}
	return strconv.FormatInt(row.ID, 10), nil
}

// Get fetches one measurement by identifier.
func (s *Store) Get(ctx context.Context, id string) (domain.Measurement, error) {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.Measurement{}, storage.ErrNotFound
	}
	var row measurementRow
	if err := s.measurements(ctx).First(&row, "id = ?", numeric).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Measurement{}, storage.ErrNotFound
		}
		return domain.Measurement{}, fmt.Errorf("get measurement: %w", err)
	}
	return fromRow(row)
}

// List returns a sorted page plus the unpaginated match count.
func (s *Store) List(ctx context.Context, c domain.Criteria) (domain.Page, error) {
	c = storage.NormalizeList(c)
	page := domain.Page{Results: []domain.Measurement{}}

	if err := s.filtered(ctx, c).Count(&page.TotalCount).Error; err != nil {
		return page, fmt.Errorf("count measurements: %w", err)
	}

	var rows []measurementRow
	err := s.filtered(ctx, c).
		Order(orderClause(c)).
		Limit(c.Limit).
		Offset(c.Skip).
		Find(&rows).Error
	if err != nil {
		return page, fmt.Errorf("list measurements: %w", err)
	}
	for _, row := range rows {
		m, err := fromRow(row)
		if err != nil {
			return page, err
		}
		page.Results = append(page.Results, m)
	}
	return page, nil
}

// Grouped aggregates per (name, method) inside the database.
func (s *Store) Grouped(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error) {
	c = storage.NormalizeGrouped(c)
	dir := "ASC"
	if c.SortDesc {
		dir = "DESC"
	}
	var rows []groupedRow
	err := s.filtered(ctx, c).
		Select(`name, method, COUNT(*) AS count,
			MIN(elapsed) AS min_elapsed, MAX(elapsed) AS max_elapsed, AVG(elapsed) AS avg_elapsed`).
		Group("name, method").
		Order(fmt.Sprintf("%s %s, name ASC, method ASC", sortColumns[c.SortField], dir)).
		Limit(c.Limit).
		Offset(c.Skip).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("group measurements: %w", err)
	}
	stats := make([]domain.GroupedStat, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, domain.GroupedStat(row))
	}
	return stats, nil
}

// Timeseries buckets measurement starts over the criteria window.
func (s *Store) Timeseries(ctx context.Context, c domain.Criteria, bucketWidth float64) ([]domain.TimeBucket, error) {
	var rows []struct {
		Bucket int   `gorm:"column:bucket"`
		Count  int64 `gorm:"column:count"`
	}
	err := s.filtered(ctx, c).
		Select("CAST(FLOOR((started_at - ?) / ?) AS BIGINT) AS bucket, COUNT(*) AS count", c.StartedAt, bucketWidth).
		Group("bucket").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("bucket measurements: %w", err)
	}
	counts := make(map[int]int64, len(rows))
	for _, row := range rows {
		counts[row.Bucket] = row.Count
	}
	return storage.FillBuckets(c.StartedAt, c.EndedAt, bucketWidth, counts), nil
}

// MethodDistribution counts measurements per HTTP method.
func (s *Store) MethodDistribution(ctx context.Context, c domain.Criteria) (map[string]int64, error) {
	var rows []struct {
		Method string `gorm:"column:method"`
		Count  int64  `gorm:"column:count"`
	}
	err := s.filtered(ctx, c).
		Select("method, COUNT(*) AS count").
		Group("method").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("method distribution: %w", err)
	}
	dist := make(map[string]int64, len(rows))
	for _, row := range rows {
		dist[row.Method] = row.Count
	}
	return dist, nil
}

// Delete removes one measurement.
func (s *Store) Delete(ctx context.Context, id string) error {
	numeric, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return storage.ErrNotFound
	}
	res := s.measurements(ctx).Where("id = ?", numeric).Delete(&measurementRow{})
	if res.Error != nil {
		return fmt.Errorf("delete measurement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteAll truncates the measurement table.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res := s.measurements(ctx).Where("1 = 1").Delete(&measurementRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("truncate measurements: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes measurements started before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	res := s.measurements(ctx).Where("started_at < ?", cutoff).Delete(&measurementRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("expire measurements: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DumpAll streams every measurement through fn in id order using a
// server-side cursor.
func (s *Store) DumpAll(ctx context.Context, fn func(domain.Measurement) error) error {
	rows, err := s.measurements(ctx).Order("id ASC").Rows()
	if err != nil {
		return fmt.Errorf("dump measurements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row measurementRow
		if err := s.db.ScanRows(rows, &row); err != nil {
			return fmt.Errorf("scan measurement: %w", err)
		}
		m, err := fromRow(row)
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
	return s.sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

func (s *Store) filtered(ctx context.Context, c domain.Criteria) *gorm.DB {
	tx := s.measurements(ctx).
		Where("started_at >= ?", c.StartedAt).
		Where("ended_at <= ?", c.EndedAt)
	if c.Elapsed != nil {
		tx = tx.Where("elapsed >= ?", *c.Elapsed)
	}
	if c.Method != "" {
		tx = tx.Where("UPPER(method) = UPPER(?)", c.Method)
	}
	if c.Name != "" {
		tx = tx.Where("STRPOS(name, ?) > 0", c.Name)
	}
	return tx
}

func orderClause(c domain.Criteria) string {
	dir := "ASC"
	if c.SortDesc {
		dir = "DESC"
	}
	return fmt.Sprintf("%s %s, id ASC", sortColumns[c.SortField], dir)
}

func toRow(m domain.Measurement) (measurementRow, error) {
	args, err := json.Marshal(ensureMap(m.Args))
	if err != nil {
		return measurementRow{}, fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(ensureMap(m.Kwargs))
	if err != nil {
		return measurementRow{}, fmt.Errorf("encode kwargs: %w", err)
	}
	rctx, err := json.Marshal(m.Context)
	if err != nil {
		return measurementRow{}, fmt.Errorf("encode context: %w", err)
	}
	row := measurementRow{
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Elapsed:   m.Elapsed,
		Method:    m.Method,
		Name:      m.Name,
		Args:      string(args),
		Kwargs:    string(kwargs),
		Context:   string(rctx),
	}
	if len(m.ProfileStats) > 0 {
		stats := string(m.ProfileStats)
		row.ProfileStats = &stats
	}
	return row, nil
}

func fromRow(row measurementRow) (domain.Measurement, error) {
	m := domain.Measurement{
		ID:        strconv.FormatInt(row.ID, 10),
		Name:      row.Name,
		Method:    row.Method,
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		Elapsed:   row.Elapsed,
	}
	if err := json.Unmarshal([]byte(row.Args), &m.Args); err != nil {
		return m, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Kwargs), &m.Kwargs); err != nil {
		return m, fmt.Errorf("decode kwargs: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Context), &m.Context); err != nil {
		return m, fmt.Errorf("decode context: %w", err)
	}
	if row.ProfileStats != nil && *row.ProfileStats != "" {
		m.ProfileStats = json.RawMessage(*row.ProfileStats)
	}
	return m, nil
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
