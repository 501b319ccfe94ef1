package jobqueue

import (
	"context"
	"errors"
	"time"

	"brd-sync/internal/config"
	"brd-sync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Backend persists jobs and their history. Update applies fn to the
// current state and stores the result only if nobody changed the job in
// between.
type Backend interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	// ClaimNext atomically moves the oldest due retrying job, or failing
	// that the oldest pending job, to in_progress.
	ClaimNext(ctx context.Context, now time.Time, exclude []primitive.ObjectID, claimant string) (*Job, error)
	// NextRetryAt is the earliest next_attempt_at of a retrying job.
	NextRetryAt(ctx context.Context) (*time.Time, error)
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	History(ctx context.Context, jobID string) ([]HistoryEntry, error)
	EnsureIndexes(ctx context.Context) error
}

// NewBackend picks the queue backend from QUEUE_BACKEND.
func NewBackend(cfg *config.Config, mongodb *database.MongodbDB) Backend {
	if cfg.Sync.QueueBackend == "memory" {
		return NewMemoryBackend()
	}
	return NewMongoBackend(mongodb)
}

type MongoBackend struct {
	Jobs              *mongo.Collection
	HistoryCollection *mongo.Collection
}

func NewMongoBackend(mongodb *database.MongodbDB) *MongoBackend {
	return &MongoBackend{
		Jobs:              mongodb.DB.Collection("sync_jobs"),
		HistoryCollection: mongodb.DB.Collection("sync_history"),
	}
}

func (r *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := r.Jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "mapping_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_by", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = r.HistoryCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}},
	})
	return err
}

func (r *MongoBackend) Insert(ctx context.Context, job *Job) error {
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	_, err := r.Jobs.InsertOne(ctx, job)
	return err
}

func (r *MongoBackend) Get(ctx context.Context, id string) (*Job, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrJobNotFound
	}
	var job Job
	err = r.Jobs.FindOne(ctx, bson.M{"_id": oid}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *MongoBackend) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.ConnectionID != "" {
		query["connection_id"] = filter.ConnectionID
	}
	if filter.MappingID != "" {
		query["mapping_id"] = filter.MappingID
	}
	if filter.CreatedBy != "" {
		query["created_by"] = filter.CreatedBy
	}

	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if filter.Limit > 0 {
		opts.SetLimit(filter.Limit).SetSkip(filter.Offset)
	}

	cursor, err := r.Jobs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	jobs := []Job{}
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Update is an optimistic read-modify-write keyed on the version counter.
func (r *MongoBackend) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < 5; attempt++ {
		job, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}

		prev := job.Version
		job.Version++
		job.UpdatedAt = time.Now()

		res, err := r.Jobs.ReplaceOne(ctx, bson.M{"_id": job.ID, "version": prev}, job)
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 1 {
			return job, nil
		}
	}
	return nil, ErrConcurrentUpdate
}

func (r *MongoBackend) ClaimNext(ctx context.Context, now time.Time, exclude []primitive.ObjectID, claimant string) (*Job, error) {
	candidates := []bson.M{
		{"status": StatusRetrying, "next_attempt_at": bson.M{"$lte": now}},
		{"status": StatusPending},
	}

	for _, filter := range candidates {
		if len(exclude) > 0 {
			filter["_id"] = bson.M{"$nin": exclude}
		}
		update := bson.M{
			"$set": bson.M{
				"status":              StatusInProgress,
				"claimed_by":          claimant,
				"awaiting_resolution": false,
				"updated_at":          now,
			},
			"$unset": bson.M{"next_attempt_at": ""},
			"$min":   bson.M{"started_at": now},
			"$inc":   bson.M{"version": 1},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(options.After)

		var job Job
		err := r.Jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, nil
}

func (r *MongoBackend) NextRetryAt(ctx context.Context) (*time.Time, error) {
	opts := options.FindOne().SetSort(bson.M{"next_attempt_at": 1}).SetProjection(bson.M{"next_attempt_at": 1})

	var job Job
	err := r.Jobs.FindOne(ctx, bson.M{"status": StatusRetrying}, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job.NextAttemptAt, nil
}

func (r *MongoBackend) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	entry.ID = primitive.NewObjectID()
	_, err := r.HistoryCollection.InsertOne(ctx, entry)
	return err
}

func (r *MongoBackend) History(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := r.HistoryCollection.Find(ctx, bson.M{"job_id": jobID}, opts)
	if err != nil {
		return nil, err
	}
	entries := []HistoryEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
