package store

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/kline-engine/internal/model"
)

// MongoStore implements Store against MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to MongoDB and returns a MongoStore. The URI
// should include the database name (e.g. mongodb://localhost:27017/kline);
// if absent, "kline" is used.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "kline"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	log.Printf("connected to MongoDB (db=%s)", dbName)
	return &MongoStore{client: client, db: client.Database(dbName)}, nil
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Migrate implements Store, creating idempotent compound unique
// indexes on bars/indicators and a query index on signals.
func (s *MongoStore) Migrate(ctx context.Context) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}
	indexes := []idx{
		{
			collection: "bars",
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "symbol", Value: 1},
					{Key: "timeframe", Value: 1},
					{Key: "market_type", Value: 1},
					{Key: "timestamp", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: "indicators",
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "symbol", Value: 1},
					{Key: "timeframe", Value: 1},
					{Key: "market_type", Value: 1},
					{Key: "timestamp", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: "signals",
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "symbol", Value: 1},
					{Key: "timestamp", Value: -1},
				},
			},
		},
		{
			collection: "backtest_tasks",
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "task_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for _, i := range indexes {
		if _, err := s.db.Collection(i.collection).Indexes().CreateOne(ctx, i.model); err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}
	log.Println("MongoDB indexes ensured")
	return nil
}

// UpsertBars implements Store with one idempotent ReplaceOne-with-upsert
// per bar, keyed on the (symbol,timeframe,timestamp,market_type) tuple.
func (s *MongoStore) UpsertBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(bars))
	for _, b := range bars {
		filter := bson.M{
			"symbol":      b.Symbol,
			"timeframe":   b.Timeframe,
			"market_type": b.MarketType,
			"timestamp":   b.Timestamp,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(b).
			SetUpsert(true))
	}
	_, err := s.db.Collection("bars").BulkWrite(ctx, models)
	if err != nil {
		return fmt.Errorf("upsert bars: %w", err)
	}
	return nil
}

// UpsertIndicators implements Store.
func (s *MongoStore) UpsertIndicators(ctx context.Context, vecs []model.IndicatorVector) error {
	if len(vecs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(vecs))
	for _, v := range vecs {
		filter := bson.M{
			"symbol":      v.Symbol,
			"timeframe":   v.Timeframe,
			"market_type": v.MarketType,
			"timestamp":   v.Timestamp,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(v).
			SetUpsert(true))
	}
	_, err := s.db.Collection("indicators").BulkWrite(ctx, models)
	if err != nil {
		return fmt.Errorf("upsert indicators: %w", err)
	}
	return nil
}

// InsertSignals implements Store.
func (s *MongoStore) InsertSignals(ctx context.Context, signals []model.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	docs := make([]interface{}, len(signals))
	for i, sig := range signals {
		docs[i] = sig
	}
	if _, err := s.db.Collection("signals").InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert signals: %w", err)
	}
	return nil
}

// RecentBars implements Store.
func (s *MongoStore) RecentBars(ctx context.Context, f BarFilter) ([]model.Bar, error) {
	filter := bson.M{"symbol": f.Symbol, "timeframe": f.Timeframe}
	if f.MarketType != "" {
		filter["market_type"] = f.MarketType
	}
	if f.From != nil || f.To != nil {
		tsFilter := bson.M{}
		if f.From != nil {
			tsFilter["$gte"] = *f.From
		}
		if f.To != nil {
			tsFilter["$lte"] = *f.To
		}
		filter["timestamp"] = tsFilter
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(clampLimit(f.Limit)))

	cursor, err := s.db.Collection("bars").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query recent bars: %w", err)
	}
	defer cursor.Close(ctx)

	bars := []model.Bar{}
	if err := cursor.All(ctx, &bars); err != nil {
		return nil, fmt.Errorf("decode recent bars: %w", err)
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// RecentIndicators implements Store.
func (s *MongoStore) RecentIndicators(ctx context.Context, f IndicatorFilter) ([]model.IndicatorVector, error) {
	filter := bson.M{"symbol": f.Symbol, "timeframe": f.Timeframe}
	if f.MarketType != "" {
		filter["market_type"] = f.MarketType
	}
	if f.From != nil || f.To != nil {
		tsFilter := bson.M{}
		if f.From != nil {
			tsFilter["$gte"] = *f.From
		}
		if f.To != nil {
			tsFilter["$lte"] = *f.To
		}
		filter["timestamp"] = tsFilter
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(clampLimit(f.Limit)))

	cursor, err := s.db.Collection("indicators").Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query recent indicators: %w", err)
	}
	defer cursor.Close(ctx)

	vecs := []model.IndicatorVector{}
	if err := cursor.All(ctx, &vecs); err != nil {
		return nil, fmt.Errorf("decode recent indicators: %w", err)
	}
	for i, j := 0, len(vecs)-1; i < j; i, j = i+1, j-1 {
		vecs[i], vecs[j] = vecs[j], vecs[i]
	}
	return vecs, nil
}
