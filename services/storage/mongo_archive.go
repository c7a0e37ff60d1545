package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"stock_crawler/logger"
	"stock_crawler/models"
)

// MongoRawCollection holds archived envelopes when the mongo backend is used
const MongoRawCollection = "stock_price_raw"

// MongoArchive archives envelopes as documents in MongoDB
type MongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *logger.Entry
	timeout    time.Duration
}

// NewMongoArchive connects, pings and ensures the collection indexes
func NewMongoArchive(ctx context.Context, uri, database string, log *logger.Entry) (*MongoArchive, error) {
	log = logger.OrDiscard(log, "mongo_archive")
	if uri == "" {
		return nil, errors.New("MONGODB_URI is not set")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	archive := &MongoArchive{
		client:     client,
		collection: client.Database(database).Collection(MongoRawCollection),
		log:        log,
		timeout:    30 * time.Second,
	}
	if err := archive.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.WithFields(logger.Fields{"database": database}).Info("MongoDB archive connected")
	return archive, nil
}

// createIndexes mirrors the indexes of the SQL table
func (m *MongoArchive) createIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "stock_code", Value: 1}, {Key: "data_source", Value: 1}}, Options: options.Index().SetName("idx_stock_source")},
		{Keys: bson.D{{Key: "stock_code", Value: 1}, {Key: "data_source", Value: 1}, {Key: "crawl_save_time", Value: -1}}, Options: options.Index().SetName("idx_stock_source_time")},
		{Keys: bson.D{{Key: "crawl_save_time", Value: -1}}, Options: options.Index().SetName("idx_crawl_time")},
		{Keys: bson.D{{Key: "time_granularity", Value: 1}}, Options: options.Index().SetName("idx_granularity")},
	})
	if err != nil {
		return fmt.Errorf("failed to create MongoDB indexes: %w", err)
	}
	return nil
}

func (m *MongoArchive) SaveRaw(ctx context.Context, env models.StockPriceRaw) bool {
	env, err := prepareEnvelope(env)
	if err != nil {
		m.log.WithError(err).Error("rejected raw envelope")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if _, err := m.collection.InsertOne(ctx, env); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{
			"stock_code":  env.StockCode,
			"data_source": env.DataSource,
		}).Error("failed to save raw envelope to MongoDB")
		return false
	}
	return true
}

func (m *MongoArchive) LatestRaw(ctx context.Context, stockCode, dataSource, granularity string) (*models.StockPriceRaw, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "crawl_save_time", Value: -1}})

	var env models.StockPriceRaw
	err := m.collection.FindOne(ctx, latestFilter(stockCode, dataSource, granularity), opts).Decode(&env)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load raw envelope from MongoDB: %w", err)
	}
	env.CrawlSaveTime = env.CrawlSaveTime.UTC()
	return &env, nil
}

func (m *MongoArchive) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// latestFilter selects successful envelopes for a stock, optionally narrowed
// by source and granularity.
func latestFilter(stockCode, dataSource, granularity string) bson.D {
	filter := bson.D{
		{Key: "stock_code", Value: models.NormalizeSymbol(stockCode)},
		{Key: "response_status", Value: models.StatusSuccess},
	}
	if dataSource != "" {
		filter = append(filter, bson.E{Key: "data_source", Value: dataSource})
	}
	if granularity != "" {
		filter = append(filter, bson.E{Key: "time_granularity", Value: granularity})
	}
	return filter
}
