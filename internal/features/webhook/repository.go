package webhook

import (
	"context"
	"time"

	"brd-sync/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	List(ctx context.Context, connID string, limit int64) ([]Delivery, error)
	EnsureIndexes(ctx context.Context) error
}

type DeliveryRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewDeliveryRepository(mongodb *database.MongodbDB) DeliveryRepository {
	return &DeliveryRepositoryImpl{
		Collection: mongodb.DB.Collection("webhook_deliveries"),
	}
}

// EnsureIndexes keeps deliveries for 30 days.
func (r *DeliveryRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "connection_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32((30 * 24 * time.Hour).Seconds())),
		},
	})
	return err
}

func (r *DeliveryRepositoryImpl) Create(ctx context.Context, d *Delivery) error {
	d.ID = primitive.NewObjectID()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := r.Collection.InsertOne(ctx, d)
	return err
}

func (r *DeliveryRepositoryImpl) List(ctx context.Context, connID string, limit int64) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().SetSort(bson.M{"created_at": -1}).SetLimit(limit)
	cursor, err := r.Collection.Find(ctx, bson.M{"connection_id": connID}, opts)
	if err != nil {
		return nil, err
	}
	deliveries := []Delivery{}
	if err := cursor.All(ctx, &deliveries); err != nil {
		return nil, err
	}
	return deliveries, nil
}
