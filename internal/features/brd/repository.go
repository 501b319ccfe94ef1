package brd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brd-sync/internal/config"
	"brd-sync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store is the local data source: read and write a BRD by id. The CRUD API
// that owns BRDs lives outside this service.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Create(ctx context.Context, fields map[string]interface{}) (string, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	// Delete soft-deletes a BRD; later reads report ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// NewStore picks the backing store from LOCAL_STORE_DRIVER.
func NewStore(cfg *config.Config, mongodb *database.MongodbDB, sqldb *database.SQLDB) Store {
	if sqldb != nil && sqldb.DB != nil {
		return NewSQLStore(sqldb.DB, sqldb.Driver)
	}
	return NewMongoStore(mongodb)
}

type MongoStore struct {
	Collection *mongo.Collection
}

func NewMongoStore(mongodb *database.MongodbDB) *MongoStore {
	return &MongoStore{
		Collection: mongodb.DB.Collection("brds"),
	}
}

func (r *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}

	var doc brdDocument
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid, "deleted": bson.M{"$ne": true}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	fields := doc.Data
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &Record{ID: doc.ID.Hex(), Fields: fields, UpdatedAt: doc.UpdatedAt}, nil
}

func (r *MongoStore) Create(ctx context.Context, fields map[string]interface{}) (string, error) {
	now := time.Now()
	doc := brdDocument{
		ID:        primitive.NewObjectID(),
		Data:      fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := r.Collection.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	return doc.ID.Hex(), nil
}

func (r *MongoStore) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}

	updateSet := bson.M{
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updateSet["data."+k] = v
	}

	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": oid, "deleted": bson.M{"$ne": true}}, bson.M{"$set": updateSet})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MongoStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}

	now := time.Now()
	res, err := r.Collection.UpdateOne(ctx,
		bson.M{"_id": oid, "deleted": bson.M{"$ne": true}},
		bson.M{"$set": bson.M{"deleted": true, "deleted_at": now, "updated_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
