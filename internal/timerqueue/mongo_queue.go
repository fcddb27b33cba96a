package timerqueue

import (
	"context"
	"errors"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a delayed queue backed by a MongoDB collection.
//
//	{
//	  _id:         string,
//	  payload:     []byte,
//	  enqueued_at: time.Time,
//	  not_before:  time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

var _ Queue = (*MongoQueue)(nil)

// NewMongoQueue creates a Mongo-backed queue and its due-time index.
// dbName defaults to "eventide", collName to "timer_items".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string, pollInterval time.Duration) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "eventide"
	}
	if collName == "" {
		collName = "timer_items"
	}
	q := &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: pollInterval,
	}
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

type mongoItemDoc struct {
	ID         string    `bson:"_id"`
	Payload    []byte    `bson:"payload"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
	NotBefore  time.Time `bson:"not_before"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, item Item) error {
	item = prepare(item)
	_, err := q.coll.InsertOne(ctx, mongoItemDoc{
		ID:         item.ID,
		Payload:    item.Payload,
		EnqueuedAt: item.EnqueuedAt.UTC(),
		NotBefore:  item.NotBefore.UTC(),
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context) (*Item, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc mongoItemDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
			options.FindOneAndDelete().SetSort(bson.D{{Key: "not_before", Value: 1}}),
		).Decode(&doc)
		if err == nil {
			return &Item{
				ID:         doc.ID,
				Payload:    doc.Payload,
				EnqueuedAt: doc.EnqueuedAt,
				NotBefore:  doc.NotBefore,
			}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		log.Printf("MongoQueue: Len failed: %v", err)
		return 0
	}
	return int(n)
}
