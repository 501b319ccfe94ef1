package jobqueue

import (
	"context"
	"sync"
	"time"

	"brd-sync/internal/config"
	"brd-sync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Locker hands out exclusive, expiring leases on a key. The sync engine
// locks one mapping at a time so two jobs never write the same pair.
type Locker interface {
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

func NewLocker(cfg *config.Config, mongodb *database.MongodbDB) Locker {
	if cfg.Sync.QueueBackend == "memory" {
		return NewMemoryLocker()
	}
	return NewMongoLocker(mongodb)
}

// Acquire blocks until the lease on key is taken, ctx ends or wait elapses.
func Acquire(ctx context.Context, l Locker, key, owner string, ttl, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx, key, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type lease struct {
	owner     string
	expiresAt time.Time
}

type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease)}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}

// MongoLocker stores leases in the sync_locks collection, one document per
// key. An expired lease can be taken over by any owner.
type MongoLocker struct {
	Collection *mongo.Collection
}

func NewMongoLocker(mongodb *database.MongodbDB) *MongoLocker {
	return &MongoLocker{Collection: mongodb.DB.Collection("sync_locks")}
}

func (l *MongoLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"owner": owner},
			bson.M{"expires_at": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": now.Add(ttl)}}

	_, err := l.Collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// held by someone else and not expired
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *MongoLocker) Release(ctx context.Context, key, owner string) error {
	_, err := l.Collection.DeleteOne(ctx, bson.M{"_id": key, "owner": owner})
	return err
}
