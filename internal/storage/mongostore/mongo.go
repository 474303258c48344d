// Package mongostore implements the storage contract on MongoDB,
// keeping args/kwargs/context as native nested documents and pushing
// every aggregation into the server-side pipeline.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nordan/reqprof/internal/domain"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
)

const connectTimeout = 10 * time.Second

func init() {
	storage.Register(config.EngineMongo, func(cfg config.StorageConfig, log *slog.Logger) (storage.Storage, error) {
		return Open(cfg.DBURL, cfg.MongoDB, cfg.Collection, log)
	})
}

// Store is the document-store adapter.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *slog.Logger
}

type measurementDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Name         string             `bson:"name"`
	Method       string             `bson:"method"`
	Args         map[string]string  `bson:"args"`
	Kwargs       map[string]string  `bson:"kwargs"`
	StartedAt    float64            `bson:"startedAt"`
	EndedAt      float64            `bson:"endedAt"`
	Elapsed      float64            `bson:"elapsed"`
	Context      contextDoc         `bson:"context"`
	ProfileStats string             `bson:"profileStats,omitempty"`
}

type contextDoc struct {
	URL       string            `bson:"url"`
	IP        string            `bson:"ip"`
	RequestID string            `bson:"requestId,omitempty"`
	Query     string            `bson:"query"`
	Body      string            `bson:"body"`
	Headers   map[string]string `bson:"headers"`
}

// Open connects to the cluster and ensures the collection's indexes.
// Index creation is idempotent, so opening the same database twice is
// safe.
func Open(uri, database, collection string, log *slog.Logger) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongostore: empty connection uri")
	}
	if database == "" {
		database = "reqprof"
	}
	if collection == "" {
		collection = "measurements"
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "startedAt", Value: 1}, {Key: "endedAt", Value: 1}}},
		{Keys: bson.D{{Key: "name", Value: 1}, {Key: "method", Value: 1}}},
		{Keys: bson.D{{Key: "elapsed", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	if log != nil {
		log = log.With("component", "storage", "engine", config.EngineMongo)
	}
	return &Store{client: client, coll: coll, log: log}, nil
}

var _ storage.Storage = (*Store)(nil)

var sortKeys = map[string]string{
	domain.SortStartedAt:  "startedAt",
	domain.SortEndedAt:    "endedAt",
	domain.SortElapsed:    "elapsed",
	domain.SortMethod:     "method",
	domain.SortName:       "name",
	domain.SortCount:      "count",
	domain.SortMinElapsed: "minElapsed",
	domain.SortMaxElapsed: "maxElapsed",
	domain.SortAvgElapsed: "avgElapsed",
}

// Insert persists a measurement and returns its identifier.
func (s *Store) Insert(ctx context.Context, m domain.Measurement) (string, error) {
	res, err := s.coll.InsertOne(ctx, toDoc(m))
	if err != nil {
		return "", fmt.Errorf("insert measurement: %w", err)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	return id.Hex(), nil
}

// Get fetches one measurement by identifier.
func (s *Store) Get(ctx context.Context, id string) (domain.Measurement, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.Measurement{}, storage.ErrNotFound
	}
	var doc measurementDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Measurement{}, storage.ErrNotFound
		}
		return domain.Measurement{}, fmt.Errorf("get measurement: %w", err)
	}
	return fromDoc(doc), nil
}

// List returns a sorted page plus the unpaginated match count.
func (s *Store) List(ctx context.Context, c domain.Criteria) (domain.Page, error) {
	c = storage.NormalizeList(c)
	filter := buildFilter(c)
	page := domain.Page{Results: []domain.Measurement{}}

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return page, fmt.Errorf("count measurements: %w", err)
	}
	page.TotalCount = total

	dir := 1
	if c.SortDesc {
		dir = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortKeys[c.SortField], Value: dir}, {Key: "_id", Value: 1}}).
		SetSkip(int64(c.Skip)).
		SetLimit(int64(c.Limit))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return page, fmt.Errorf("list measurements: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc measurementDoc
		if err := cursor.Decode(&doc); err != nil {
			return page, fmt.Errorf("decode measurement: %w", err)
		}
		page.Results = append(page.Results, fromDoc(doc))
	}
	return page, cursor.Err()
}

// Grouped aggregates per (name, method) through the aggregation
// pipeline.
func (s *Store) Grouped(ctx context.Context, c domain.Criteria) ([]domain.GroupedStat, error) {
	c = storage.NormalizeGrouped(c)
	dir := 1
	if c.SortDesc {
		dir = -1
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(c)}},
		{{Key: "$group", Value: bson.M{
			"_id":        bson.M{"name": "$name", "method": "$method"},
			"count":      bson.M{"$sum": 1},
			"minElapsed": bson.M{"$min": "$elapsed"},
			"maxElapsed": bson.M{"$max": "$elapsed"},
			"avgElapsed": bson.M{"$avg": "$elapsed"},
		}}},
		{{Key: "$project", Value: bson.M{
			"_id":        0,
			"name":       "$_id.name",
			"method":     "$_id.method",
			"count":      1,
			"minElapsed": 1,
			"maxElapsed": 1,
			"avgElapsed": 1,
		}}},
		{{Key: "$sort", Value: bson.D{
			{Key: sortKeys[c.SortField], Value: dir},
			{Key: "name", Value: 1},
			{Key: "method", Value: 1},
		}}},
		{{Key: "$skip", Value: c.Skip}},
		{{Key: "$limit", Value: c.Limit}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("group measurements: %w", err)
	}
	defer cursor.Close(ctx)
	stats := []domain.GroupedStat{}
	for cursor.Next(ctx) {
		var g struct {
			Name       string  `bson:"name"`
			Method     string  `bson:"method"`
			Count      int64   `bson:"count"`
			MinElapsed float64 `bson:"minElapsed"`
			MaxElapsed float64 `bson:"maxElapsed"`
			AvgElapsed float64 `bson:"avgElapsed"`
		}
		if err := cursor.Decode(&g); err != nil {
			return nil, fmt.Errorf("decode grouped row: %w", err)
		}
		stats = append(stats, domain.GroupedStat(g))
	}
	return stats, cursor.Err()
}

// Timeseries buckets measurement starts over the criteria window.
func (s *Store) Timeseries(ctx context.Context, c domain.Criteria, bucketWidth float64) ([]domain.TimeBucket, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(c)}},
		{{Key: "$group", Value: bson.M{
			"_id": bson.M{"$floor": bson.M{"$divide": bson.A{
				bson.M{"$subtract": bson.A{"$startedAt", c.StartedAt}},
				bucketWidth,
			}}},
			"count": bson.M{"$sum": 1},
		}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("bucket measurements: %w", err)
	}
	defer cursor.Close(ctx)
	counts := make(map[int]int64)
	for cursor.Next(ctx) {
		var row struct {
			Bucket float64 `bson:"_id"`
			Count  int64   `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode bucket row: %w", err)
		}
		counts[int(row.Bucket)] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return storage.FillBuckets(c.StartedAt, c.EndedAt, bucketWidth, counts), nil
}

// MethodDistribution counts measurements per HTTP method.
func (s *Store) MethodDistribution(ctx context.Context, c domain.Criteria) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(c)}},
		{{Key: "$group", Value: bson.M{"_id": "$method", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("method distribution: %w", err)
	}
	defer cursor.Close(ctx)
	dist := make(map[string]int64)
	for cursor.Next(ctx) {
		var row struct {
			Method string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decode distribution row: %w", err)
		}
		dist[row.Method] = row.Count
	}
	return dist, cursor.Err()
}

// Delete removes one measurement.
func (s *Store) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return storage.ErrNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete measurement: %w", err)
	}
	if res.DeletedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteAll removes every measurement.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("truncate measurements: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteOlderThan removes measurements started before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff float64) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"startedAt": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("expire measurements: %w", err)
	}
	return res.DeletedCount, nil
}

// DumpAll streams every measurement through fn in insertion order.
func (s *Store) DumpAll(ctx context.Context, fn func(domain.Measurement) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("dump measurements: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc measurementDoc
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode measurement: %w", err)
		}
		if err := fn(fromDoc(doc)); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// Ping reports cluster liveness.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects from the cluster.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func buildFilter(c domain.Criteria) bson.M {
	filter := bson.M{
		"startedAt": bson.M{"$gte": c.StartedAt},
		"endedAt":   bson.M{"$lte": c.EndedAt},
	}
	if c.Elapsed != nil {
		filter["elapsed"] = bson.M{"$gte": *c.Elapsed}
	}
	if c.Method != "" {
		filter["method"] = bson.M{
			"$regex":   "^" + regexp.QuoteMeta(c.Method) + "$",
			"$options": "i",
		}
	}
	if c.Name != "" {
		filter["name"] = bson.M{"$regex": regexp.QuoteMeta(c.Name)}
	}
	return filter
}

func toDoc(m domain.Measurement) measurementDoc {
	doc := measurementDoc{
		Name:      m.Name,
		Method:    m.Method,
		Args:      ensureMap(m.Args),
		Kwargs:    ensureMap(m.Kwargs),
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Elapsed:   m.Elapsed,
		Context: contextDoc{
			URL:       m.Context.URL,
			IP:        m.Context.IP,
			RequestID: m.Context.RequestID,
			Query:     m.Context.Query,
			Body:      m.Context.Body,
			Headers:   ensureMap(m.Context.Headers),
		},
	}
	if len(m.ProfileStats) > 0 {
		doc.ProfileStats = string(m.ProfileStats)
	}
	return doc
}

func fromDoc(doc measurementDoc) domain.Measurement {
	m := domain.Measurement{
		ID:        doc.ID.Hex(),
		Name:      doc.Name,
		Method:    doc.Method,
		Args:      doc.Args,
		Kwargs:    doc.Kwargs,
		StartedAt: doc.StartedAt,
		EndedAt:   doc.EndedAt,
		Elapsed:   doc.Elapsed,
		Context: domain.RequestContext{
			URL:       doc.Context.URL,
			IP:        doc.Context.IP,
			RequestID: doc.Context.RequestID,
			Query:     doc.Context.Query,
			Body:      doc.Context.Body,
			Headers:   doc.Context.Headers,
		},
	}
	if doc.ProfileStats != "" {
		m.ProfileStats = json.RawMessage(doc.ProfileStats)
	}
	return m
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
