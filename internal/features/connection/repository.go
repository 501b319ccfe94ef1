package connection

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

type ConnectionRepository interface {
	Upsert(ctx context.Context, conn *Connection) (*Connection, error)
	FindByID(ctx context.Context, id string) (*Connection, error)
	FindByUser(ctx context.Context, userID string) ([]Connection, error)
	UpdateTokens(ctx context.Context, id primitive.ObjectID, accessEnc, refreshEnc string, expiresAt time.Time) error
	Deactivate(ctx context.Context, id primitive.ObjectID, reason string) error
	DeactivateIdle(ctx context.Context, before time.Time) (int64, error)
	TouchLastSync(ctx context.Context, id primitive.ObjectID, at time.Time) error
	EnsureIndexes(ctx context.Context) error
}

type ConnectionRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewConnectionRepository(mongodb *database.MongodbDB) ConnectionRepository {
	return &ConnectionRepositoryImpl{
		Collection: mongodb.DB.Collection("connections"),
	}
}

func (r *ConnectionRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "remote_site_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "last_sync_at", Value: 1}}},
	})
	return err
}

// Upsert keys on (user_id, remote_site_id). Re-authorizing an existing
// connection reactivates it and replaces its tokens; the webhook secret and
// creation time of the first grant are kept.
func (r *ConnectionRepositoryImpl) Upsert(ctx context.Context, conn *Connection) (*Connection, error) {
	now := time.Now()
	filter := bson.M{"user_id": conn.UserID, "remote_site_id": conn.RemoteSiteID}
	update := bson.M{
		"$set": bson.M{
			"site_url":          conn.SiteURL,
			"site_name":         conn.SiteName,
			"access_token_enc":  conn.AccessTokenEnc,
			"refresh_token_enc": conn.RefreshTokenEnc,
			"token_expires_at":  conn.TokenExpiresAt,
			"scopes":            conn.Scopes,
			"is_active":         true,
			"updated_at":        now,
		},
		"$unset": bson.M{"deactivated_reason": ""},
		"$setOnInsert": bson.M{
			"webhook_secret_enc": conn.WebhookSecretEnc,
			"created_at":         now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var saved Connection
	if err := r.Collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *ConnectionRepositoryImpl) FindByID(ctx context.Context, id string) (*Connection, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	var conn Connection
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&conn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepositoryImpl) FindByUser(ctx context.Context, userID string) ([]Connection, error) {
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	cursor, err := r.Collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}

	conns := []Connection{}
	if err = cursor.All(ctx, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func (r *ConnectionRepositoryImpl) UpdateTokens(ctx context.Context, id primitive.ObjectID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	_, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"access_token_enc":  accessEnc,
			"refresh_token_enc": refreshEnc,
			"token_expires_at":  expiresAt,
			"updated_at":        time.Now(),
		},
	})
	return err
}

func (r *ConnectionRepositoryImpl) Deactivate(ctx context.Context, id primitive.ObjectID, reason string) error {
	res, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"is_active":          false,
			"deactivated_reason": reason,
			"updated_at":         time.Now(),
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateIdle switches off active connections that have not synced since
// before. Connections that never synced are judged by their creation time.
func (r *ConnectionRepositoryImpl) DeactivateIdle(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{
		"is_active": true,
		"$or": bson.A{
			bson.M{"last_sync_at": bson.M{"$lt": before}},
			bson.M{"last_sync_at": bson.M{"$exists": false}, "created_at": bson.M{"$lt": before}},
		},
	}
	res, err := r.Collection.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{
			"is_active":          false,
			"deactivated_reason": ReasonInactive,
			"updated_at":         time.Now(),
		},
	})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *ConnectionRepositoryImpl) TouchLastSync(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	_, err := r.Collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"last_sync_at": at},
	})
	return err
}

// StateRepository stores OAuth states outside process memory so that interface{}
// instance can complete a flow started by another.
type StateRepository interface {
	Save(ctx context.Context, state OAuthState) error
	Consume(ctx context.Context, state string, now time.Time) (*OAuthState, error)
	EnsureIndexes(ctx context.Context) error
}

type StateRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewStateRepository(mongodb *database.MongodbDB) StateRepository {
	return &StateRepositoryImpl{
		Collection: mongodb.DB.Collection("oauth_states"),
	}
}

func (r *StateRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	return err
}

func (r *StateRepositoryImpl) Save(ctx context.Context, state OAuthState) error {
	_, err := r.Collection.InsertOne(ctx, state)
	return err
}

// Consume deletes and returns the state in one step. The TTL monitor runs
// about once a minute, so expiry is checked here as well.
func (r *StateRepositoryImpl) Consume(ctx context.Context, state string, now time.Time) (*OAuthState, error) {
	var st OAuthState
	err := r.Collection.FindOneAndDelete(ctx, bson.M{"_id": state}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, err
	}
	if now.After(st.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return &st, nil
}
