// internal/output/mongodb.go
package output

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

var mongoLogger = utils.NewComponentLogger("mongodb-output")

// MongoDBWriter inserts one document per result.
type MongoDBWriter struct {
	client     *mongo.Client
	collection *mongo.Collection
	batchSize  int
	timeout    time.Duration
	written    int64
	closed     bool
}

// NewMongoDBWriter connects, pings and ensures an index on url.
func NewMongoDBWriter(uri, database, collection string, batchSize int) (*MongoDBWriter, error) {
	if uri == "" {
		return nil, fmt.Errorf("MongoDB connection string is required")
	}
	if database == "" {
		return nil, fmt.Errorf("MongoDB database name is required")
	}
	if collection == "" {
		collection = DefaultTable
	}

	timeout := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetMaxPoolSize(20).
		SetAppName("marketrunner")

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "url", Value: 1}},
		Options: options.Index().SetName("url_idx"),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create MongoDB index: %w", err)
	}

	mongoLogger.Infof("connected to MongoDB %s.%s", database, collection)
	return &MongoDBWriter{
		client:     client,
		collection: coll,
		batchSize:  batchSize,
		timeout:    timeout,
	}, nil
}

func resultDocument(r types.Result, now time.Time) bson.M {
	doc := bson.M{
		"url":               r.URL,
		"success":           r.Success,
		"method":            string(r.Method),
		"execution_time_ms": r.ExecutionTimeMs,
		"created_at":        now,
	}
	if r.Error != "" {
		doc["error"] = r.Error
	}
	if len(r.Data) > 0 {
		doc["data"] = r.Data
	}
	return doc
}

// Write inserts results in unordered batches.
func (w *MongoDBWriter) Write(results []types.Result) error {
	if w.closed {
		return fmt.Errorf("mongodb writer is closed")
	}
	now := time.Now().UTC()
	for start := 0; start < len(results); start += w.batchSize {
		end := start + w.batchSize
		if end > len(results) {
			end = len(results)
		}
		docs := make([]interface{}, 0, end-start)
		for _, r := range results[start:end] {
			docs = append(docs, resultDocument(r, now))
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		res, err := w.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
		cancel()
		if res != nil {
			w.written += int64(len(res.InsertedIDs))
		}
		if err != nil {
			return fmt.Errorf("failed to insert MongoDB batch: %w", err)
		}
	}
	return nil
}

// Written returns the number of documents inserted so far.
func (w *MongoDBWriter) Written() int64 {
	return w.written
}

// Close disconnects the client.
func (w *MongoDBWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mongoLogger.Infof("mongodb writer closed after %d documents", w.written)
	return w.client.Disconnect(ctx)
}
