package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const vendorsCollection = "vendors"

type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &MongoStore{client: client, collection: client.Database(database).Collection(vendorsCollection)}
	if err := s.createIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "vendor_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create vendor indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) FindVendorByUser(ctx context.Context, userID string) (VendorProfile, error) {
	var p VendorProfile
	err := s.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return VendorProfile{}, notFound(userID)
	}
	if err != nil {
		return VendorProfile{}, fmt.Errorf("find vendor for user %s: %w", userID, err)
	}
	return p, nil
}

func (s *MongoStore) UpdateVendorFields(ctx context.Context, userID string, fields VendorFields) (VendorProfile, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if fields.Location != nil {
		set["location"] = fields.Location
	}
	if fields.Address != nil {
		set["address"] = *fields.Address
	}
	if fields.IsOnline != nil {
		set["is_online"] = *fields.IsOnline
	}
	if fields.LastLocationUpdate != nil {
		set["last_location_update"] = *fields.LastLocationUpdate
	}
	if fields.Schedule != nil {
		set["roaming_schedule"] = fields.Schedule
	}
	if fields.VendorType != nil {
		set["vendor_type"] = *fields.VendorType
	}

	var p VendorProfile
	err := s.collection.FindOneAndUpdate(ctx,
		bson.M{"user_id": userID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return VendorProfile{}, notFound(userID)
	}
	if err != nil {
		return VendorProfile{}, fmt.Errorf("update vendor for user %s: %w", userID, err)
	}
	return p, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
