package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoEngine implements Engine on a MongoDB collection with one document per
// (partition, key) pair.
type MongoEngine struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	Partition string `bson:"partition"`
	Key       []byte `bson:"key"`
	Value     []byte `bson:"value"`
}

// NewMongoEngine connects to MongoDB and prepares the kv collection.
func NewMongoEngine(ctx context.Context, uri, database string) (*MongoEngine, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	coll := client.Database(database).Collection("mnemos_kv")
	idx := mongo.IndexModel{
		Keys:    bson.D{{Key: "partition", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create kv index: %w", err)
	}
	return &MongoEngine{client: client, coll: coll}, nil
}

func (e *MongoEngine) Partition(name string) (Partition, error) {
	return &mongoPartition{coll: e.coll, name: name}, nil
}

func (e *MongoEngine) DropPartition(name string) error {
	_, err := e.coll.DeleteMany(context.Background(), bson.M{"partition": name})
	return err
}

func (e *MongoEngine) Flush() error { return nil }

func (e *MongoEngine) Close() error {
	return e.client.Disconnect(context.Background())
}

type mongoPartition struct {
	coll *mongo.Collection
	name string
}

func (p *mongoPartition) filter(key []byte) bson.M {
	return bson.M{"partition": p.name, "key": key}
}

func (p *mongoPartition) Put(ctx context.Context, key, value []byte) error {
	update := bson.M{"$set": bson.M{"value": value}}
	_, err := p.coll.UpdateOne(ctx, p.filter(key), update, options.Update().SetUpsert(true))
	return err
}

func (p *mongoPartition) Get(ctx context.Context, key []byte) ([]byte, error) {
	var doc mongoDoc
	err := p.coll.FindOne(ctx, p.filter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Value, nil
}

func (p *mongoPartition) Delete(ctx context.Context, key []byte) error {
	_, err := p.coll.DeleteOne(ctx, p.filter(key))
	return err
}

func (p *mongoPartition) Scan(ctx context.Context, prefix []byte, limit int) ([]Entry, error) {
	filter := bson.M{"partition": p.name}
	if len(prefix) > 0 {
		rng := bson.M{"$gte": prefix}
		if end := prefixEnd(prefix); end != nil {
			rng["$lt"] = end
		}
		filter["key"] = rng
	}
	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := p.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []Entry
	for cur.Next(ctx) {
		var doc mongoDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: doc.Key, Value: doc.Value})
	}
	return entries, cur.Err()
}

func (p *mongoPartition) BatchPut(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(entries))
	for _, ent := range entries {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(p.filter(ent.Key)).
			SetUpdate(bson.M{"$set": bson.M{"value": ent.Value}}).
			SetUpsert(true))
	}
	_, err := p.coll.BulkWrite(ctx, models)
	return err
}
