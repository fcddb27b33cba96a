package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/eventide/pkg/api"
)

// MongoStore is a Store backed by MongoDB. It uses four collections in one
// database: executions, history, claims and leases.
//
// Execution documents keep the queryable fields as plain bson next to a gob
// snapshot of the whole record; history documents carry one gob-encoded
// event each.
type MongoStore struct {
	executions *mongo.Collection
	history    *mongo.Collection
	claims     *mongo.Collection
	leases     *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store and its indexes.
// dbName defaults to "eventide" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "eventide"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		executions: db.Collection("executions"),
		history:    db.Collection("history"),
		claims:     db.Collection("claims"),
		leases:     db.Collection("leases"),
	}

	if _, err := s.history.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "pos", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("mongo: create history index: %w", err)
	}
	if _, err := s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_name", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("mongo: create executions index: %w", err)
	}
	return s, nil
}

type mongoExecutionDoc struct {
	ID           string `bson:"_id"`
	WorkflowName string `bson:"workflow_name"`
	Status       string `bson:"status"`
	Snapshot     []byte `bson:"snapshot"`
}

type mongoEventDoc struct {
	ExecutionID string `bson:"execution_id"`
	Pos         int    `bson:"pos"`
	EventID     string `bson:"event_id"`
	Type        string `bson:"type"`
	Data        []byte `bson:"data"`
}

type mongoLeaseDoc struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

func toMongoExecution(exec *api.Execution) (mongoExecutionDoc, error) {
	snapshot, err := EncodeExecution(exec)
	if err != nil {
		return mongoExecutionDoc{}, err
	}
	return mongoExecutionDoc{
		ID:           exec.ID,
		WorkflowName: exec.WorkflowName,
		Status:       string(exec.Status),
		Snapshot:     snapshot,
	}, nil
}

func (s *MongoStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	doc, err := toMongoExecution(exec)
	if err != nil {
		return err
	}
	if _, err := s.executions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExecutionAlreadyExists
		}
		return err
	}
	return nil
}

func (s *MongoStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	var doc mongoExecutionDoc
	if err := s.executions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return DecodeExecution(doc.Snapshot)
}

func (s *MongoStore) UpdateStatus(ctx context.Context, t StatusTransition) error {
	exec, err := s.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	switch exec.Status {
	case t.From:
	case t.To:
		return nil
	default:
		return ErrStatusConflict
	}

	exec.Status = t.To
	exec.EndTime = t.EndTime
	exec.Result = t.Result
	exec.Error = t.Error
	exec.Message = t.Message
	doc, err := toMongoExecution(exec)
	if err != nil {
		return err
	}

	res, err := s.executions.UpdateOne(ctx,
		bson.M{"_id": t.ExecutionID, "status": string(t.From)},
		bson.M{"$set": bson.M{"status": doc.Status, "snapshot": doc.Snapshot}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Lost a race; decide on the status that won.
	current, err := s.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if current.Status == t.To {
		return nil
	}
	return ErrStatusConflict
}

func (s *MongoStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) (api.ExecutionPage, error) {
	bfilter := bson.M{"_id": bson.M{"$gt": filter.NextToken}}
	if filter.WorkflowName != "" {
		bfilter["workflow_name"] = filter.WorkflowName
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		bfilter["status"] = bson.M{"$in": statuses}
	}
	limit := pageSize(filter)

	cur, err := s.executions.Find(ctx, bfilter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit+1)))
	if err != nil {
		return api.ExecutionPage{}, err
	}
	defer cur.Close(ctx)

	var page api.ExecutionPage
	for cur.Next(ctx) {
		var doc mongoExecutionDoc
		if err := cur.Decode(&doc); err != nil {
			return api.ExecutionPage{}, err
		}
		exec, err := DecodeExecution(doc.Snapshot)
		if err != nil {
			return api.ExecutionPage{}, err
		}
		page.Executions = append(page.Executions, exec)
	}
	if err := cur.Err(); err != nil {
		return api.ExecutionPage{}, err
	}
	if len(page.Executions) > limit {
		page.Executions = page.Executions[:limit]
		page.NextToken = page.Executions[limit-1].ID
	}
	return page, nil
}

func (s *MongoStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()
	_, err := s.leases.UpdateOne(ctx,
		bson.M{
			"_id": executionID,
			"$or": bson.A{
				bson.M{"owner": owner},
				bson.M{"expires_at": bson.M{"$lte": now.UnixNano()}},
			},
		},
		bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl).UnixNano()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		// The filter missed because someone else holds the lease, so the
		// upsert collided with their document.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": executionID, "owner": owner},
		bson.M{"$set": bson.M{"expires_at": time.Now().Add(ttl).UnixNano()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	res, err := s.leases.DeleteOne(ctx, bson.M{"_id": executionID, "owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		return nil
	}
	var doc mongoLeaseDoc
	err = s.leases.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrLeaseHeld
}

func (s *MongoStore) GetEvents(ctx context.Context, executionID string) ([]api.WorkflowEvent, error) {
	cur, err := s.history.Find(ctx, bson.M{"execution_id": executionID},
		options.Find().SetSort(bson.D{{Key: "pos", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkflowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		e, err := DecodeEvent(doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

// AppendEvents relies on the execution lease for a single writer; the unique
// (execution_id, pos) index rejects a concurrent append instead of
// interleaving it.
func (s *MongoStore) AppendEvents(ctx context.Context, executionID string, events []api.WorkflowEvent) error {
	if len(events) == 0 {
		return nil
	}
	next, err := s.history.CountDocuments(ctx, bson.M{"execution_id": executionID})
	if err != nil {
		return err
	}

	docs := make([]any, len(events))
	for i, e := range events {
		data, err := EncodeEvent(e)
		if err != nil {
			return err
		}
		docs[i] = mongoEventDoc{
			ExecutionID: executionID,
			Pos:         int(next) + i,
			EventID:     e.ID,
			Type:        string(e.Type),
			Data:        data,
		}
	}
	_, err = s.history.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

func (s *MongoStore) ClaimTask(ctx context.Context, executionID string, seq, retry int) (bool, error) {
	_, err := s.claims.InsertOne(ctx, bson.M{
		"_id":        fmt.Sprintf("%s|%d|%d", executionID, seq, retry),
		"claimed_at": time.Now(),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
