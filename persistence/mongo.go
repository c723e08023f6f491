package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoSnapshot 文档结构；数据以 JSON 字符串保存，与其他后端的编码一致
type mongoSnapshot struct {
	Path      string    `bson:"_id"`
	Data      string    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore 基于 MongoDB 的存储
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	keyPrefix  string
}

// NewMongoStore 连接 MongoDB 并探活
func NewMongoStore(ctx context.Context, config StoreConfig) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(config.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := config.Mongo.Collection
	if collection == "" {
		collection = "snapshots"
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(config.Mongo.Database).Collection(collection),
		keyPrefix:  config.KeyPrefix,
	}, nil
}

func (s *MongoStore) id(path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return s.keyPrefix + p, nil
}

// Save 实现 Store.Save
func (s *MongoStore) Save(ctx context.Context, path string, value any) error {
	id, err := s.id(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	doc := mongoSnapshot{Path: id, Data: string(data), UpdatedAt: time.Now().UTC()}
	_, err = s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	return err
}

// Load 实现 Store.Load
func (s *MongoStore) Load(ctx context.Context, path string, dest any) error {
	id, err := s.id(path)
	if err != nil {
		return err
	}
	var doc mongoSnapshot
	err = s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc.Data), dest)
}

// Delete 实现 Store.Delete
func (s *MongoStore) Delete(ctx context.Context, path string) error {
	id, err := s.id(path)
	if err != nil {
		return err
	}
	_, err = s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	return err
}

// Ping 实现 Store.Ping
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 实现 Store.Close
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
