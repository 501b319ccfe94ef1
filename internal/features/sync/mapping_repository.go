package sync

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

type MappingRepository interface {
	Create(ctx context.Context, m *Mapping) error
	FindByID(ctx context.Context, id string) (*Mapping, error)
	FindByLocal(ctx context.Context, connID, localID string) (*Mapping, error)
	FindByRemote(ctx context.Context, connID, remoteKey string) (*Mapping, error)
	List(ctx context.Context, filter MappingFilter) ([]Mapping, error)
	ListAutoSync(ctx context.Context) ([]Mapping, error)
	Update(ctx context.Context, m *Mapping) error
	UpdateFlags(ctx context.Context, id string, flags MappingFlags) (*Mapping, error)
	EnsureIndexes(ctx context.Context) error
}

type MappingRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewMappingRepository(mongodb *database.MongodbDB) MappingRepository {
	return &MappingRepositoryImpl{
		Collection: mongodb.DB.Collection("sync_mappings"),
	}
}

// EnsureIndexes creates the two uniqueness guarantees: a BRD maps to at most
// one issue per connection and an issue to at most one BRD.
func (r *MappingRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "connection_id", Value: 1}, {Key: "local_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "connection_id", Value: 1}, {Key: "remote_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "auto_sync", Value: 1}, {Key: "sync_enabled", Value: 1}}},
	})
	return err
}

func (r *MappingRepositoryImpl) Create(ctx context.Context, m *Mapping) error {
	now := time.Now()
	m.ID = primitive.NewObjectID()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.BaseValues == nil {
		m.BaseValues = map[string]interface{}{}
	}

	_, err := r.Collection.InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		return ErrMappingExists
	}
	return err
}

func (r *MappingRepositoryImpl) FindByID(ctx context.Context, id string) (*Mapping, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrMappingNotFound
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *MappingRepositoryImpl) FindByLocal(ctx context.Context, connID, localID string) (*Mapping, error) {
	return r.findOne(ctx, bson.M{"connection_id": connID, "local_id": localID})
}

func (r *MappingRepositoryImpl) FindByRemote(ctx context.Context, connID, remoteKey string) (*Mapping, error) {
	return r.findOne(ctx, bson.M{"connection_id": connID, "remote_key": remoteKey})
}

func (r *MappingRepositoryImpl) findOne(ctx context.Context, filter bson.M) (*Mapping, error) {
	var m Mapping
	err := r.Collection.FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MappingRepositoryImpl) List(ctx context.Context, filter MappingFilter) ([]Mapping, error) {
	query := bson.M{}
	if filter.ConnectionID != "" {
		query["connection_id"] = filter.ConnectionID
	}
	if filter.LocalID != "" {
		query["local_id"] = filter.LocalID
	}
	if filter.RemoteKey != "" {
		query["remote_key"] = filter.RemoteKey
	}
	return r.find(ctx, query)
}

func (r *MappingRepositoryImpl) ListAutoSync(ctx context.Context) ([]Mapping, error) {
	return r.find(ctx, bson.M{"auto_sync": true, "sync_enabled": true})
}

func (r *MappingRepositoryImpl) find(ctx context.Context, query bson.M) ([]Mapping, error) {
	cursor, err := r.Collection.Find(ctx, query, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, err
	}
	mappings := []Mapping{}
	if err := cursor.All(ctx, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// Update writes the sync state of a mapping. The identity columns never
// change after creation.
func (r *MappingRepositoryImpl) Update(ctx context.Context, m *Mapping) error {
	m.UpdatedAt = time.Now()
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": m.ID}, bson.M{"$set": bson.M{
		"remote_id":            m.RemoteID,
		"base_values":          m.BaseValues,
		"last_synced_at":       m.LastSyncedAt,
		"last_modified_local":  m.LastModifiedLocal,
		"last_modified_remote": m.LastModifiedRemote,
		"sync_enabled":         m.SyncEnabled,
		"auto_sync":            m.AutoSync,
		"conflict_count":       m.ConflictCount,
		"updated_at":           m.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrMappingNotFound
	}
	return nil
}

func (r *MappingRepositoryImpl) UpdateFlags(ctx context.Context, id string, flags MappingFlags) (*Mapping, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrMappingNotFound
	}

	set := bson.M{"updated_at": time.Now()}
	if flags.SyncEnabled != nil {
		set["sync_enabled"] = *flags.SyncEnabled
	}
	if flags.AutoSync != nil {
		set["auto_sync"] = *flags.AutoSync
	}

	var m Mapping
	err = r.Collection.FindOneAndUpdate(ctx, bson.M{"_id": oid}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
