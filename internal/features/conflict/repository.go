package conflict

import (
	"context"
	"errors"
	"time"

	"brd-sync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ConflictRepository interface {
	Create(ctx context.Context, c *Conflict) error
	FindByID(ctx context.Context, id string) (*Conflict, error)
	List(ctx context.Context, filter Filter) ([]Conflict, error)
	FindPending(ctx context.Context, mappingID, field string) (*Conflict, error)
	CountPending(ctx context.Context, jobID string) (int64, error)
	Resolve(ctx context.Context, id string, strategy Strategy, value interface{}, by string, at time.Time) (*Conflict, error)
	Ignore(ctx context.Context, id string, by string, at time.Time) (*Conflict, error)
	ResolvedUnapplied(ctx context.Context, mappingID string) ([]Conflict, error)
	MarkApplied(ctx context.Context, ids []primitive.ObjectID, at time.Time) error
	EnsureIndexes(ctx context.Context) error
}

type ConflictRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewConflictRepository(mongodb *database.MongodbDB) ConflictRepository {
	return &ConflictRepositoryImpl{
		Collection: mongodb.DB.Collection("sync_conflicts"),
	}
}

func (r *ConflictRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "local_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "mapping_id", Value: 1}, {Key: "field", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "sync_job_id", Value: 1}, {Key: "status", Value: 1}}},
	})
	return err
}

func (r *ConflictRepositoryImpl) Create(ctx context.Context, c *Conflict) error {
	c.ID = primitive.NewObjectID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	_, err := r.Collection.InsertOne(ctx, c)
	return err
}

func (r *ConflictRepositoryImpl) FindByID(ctx context.Context, id string) (*Conflict, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var c Conflict
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConflictRepositoryImpl) List(ctx context.Context, filter Filter) ([]Conflict, error) {
	query := bson.M{}
	if filter.LocalID != "" {
		query["local_id"] = filter.LocalID
	}
	if filter.MappingID != "" {
		query["mapping_id"] = filter.MappingID
	}
	if filter.JobID != "" {
		query["sync_job_id"] = filter.JobID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	cursor, err := r.Collection.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": -1}))
	if err != nil {
		return nil, err
	}
	conflicts := []Conflict{}
	if err := cursor.All(ctx, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (r *ConflictRepositoryImpl) FindPending(ctx context.Context, mappingID, field string) (*Conflict, error) {
	var c Conflict
	err := r.Collection.FindOne(ctx, bson.M{
		"mapping_id": mappingID,
		"field":      field,
		"status":     StatusPending,
	}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConflictRepositoryImpl) CountPending(ctx context.Context, jobID string) (int64, error) {
	return r.Collection.CountDocuments(ctx, bson.M{"sync_job_id": jobID, "status": StatusPending})
}

// Resolve settles a pending conflict. The status guard makes a resolved or
// ignored row immutable.
func (r *ConflictRepositoryImpl) Resolve(ctx context.Context, id string, strategy Strategy, value interface{}, by string, at time.Time) (*Conflict, error) {
	return r.settle(ctx, id, bson.M{
		"status":              StatusResolved,
		"resolution_strategy": strategy,
		"resolved_value":      value,
		"resolved_by":         by,
		"resolved_at":         at,
	})
}

func (r *ConflictRepositoryImpl) Ignore(ctx context.Context, id string, by string, at time.Time) (*Conflict, error) {
	return r.settle(ctx, id, bson.M{
		"status":      StatusIgnored,
		"resolved_by": by,
		"resolved_at": at,
	})
}

func (r *ConflictRepositoryImpl) settle(ctx context.Context, id string, set bson.M) (*Conflict, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c Conflict
	err = r.Collection.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, "status": StatusPending},
		bson.M{"$set": set},
		opts,
	).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, ferr := r.FindByID(ctx, id); ferr != nil {
			return nil, ferr
		}
		return nil, ErrAlreadySettled
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConflictRepositoryImpl) ResolvedUnapplied(ctx context.Context, mappingID string) ([]Conflict, error) {
	cursor, err := r.Collection.Find(ctx, bson.M{
		"mapping_id": mappingID,
		"status":     StatusResolved,
		"applied_at": bson.M{"$exists": false},
	}, options.Find().SetSort(bson.M{"resolved_at": 1}))
	if err != nil {
		return nil, err
	}
	conflicts := []Conflict{}
	if err := cursor.All(ctx, &conflicts); err != nil {
		return nil, err
	}
	return conflicts, nil
}

func (r *ConflictRepositoryImpl) MarkApplied(ctx context.Context, ids []primitive.ObjectID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.Collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "applied_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"applied_at": at}},
	)
	return err
}
