package fieldmap

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

var ErrRuleNotFound = errors.New("field mapping rule not found")

type RuleRepository interface {
	List(ctx context.Context, activeOnly bool) ([]Rule, error)
	FindByID(ctx context.Context, id string) (*Rule, error)
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, id string, rule *Rule) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

type RuleRepositoryImpl struct {
	Collection *mongo.Collection
}

func NewRuleRepository(mongodb *database.MongodbDB) RuleRepository {
	return &RuleRepositoryImpl{
		Collection: mongodb.DB.Collection("field_mapping_rules"),
	}
}

func (r *RuleRepositoryImpl) List(ctx context.Context, activeOnly bool) ([]Rule, error) {
	filter := bson.M{}
	if activeOnly {
		filter["active"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "order", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	rules := []Rule{}
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *RuleRepositoryImpl) FindByID(ctx context.Context, id string) (*Rule, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrRuleNotFound
	}
	var rule Rule
	err = r.Collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRuleNotFound
	}
	return &rule, err
}

func (r *RuleRepositoryImpl) Create(ctx context.Context, rule *Rule) error {
	rule.ID = primitive.NewObjectID()
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	_, err := r.Collection.InsertOne(ctx, rule)
	return err
}

func (r *RuleRepositoryImpl) Update(ctx context.Context, id string, rule *Rule) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	rule.ID = oid
	rule.UpdatedAt = time.Now()

	res, err := r.Collection.ReplaceOne(ctx, bson.M{"_id": oid}, rule)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *RuleRepositoryImpl) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrRuleNotFound
	}
	res, err := r.Collection.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (r *RuleRepositoryImpl) Count(ctx context.Context) (int64, error) {
	return r.Collection.CountDocuments(ctx, bson.M{})
}
