package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/keshon/chiwawa/internal/preference"
)

const (
	databaseName   = "Chiwawa"
	usersColl      = "Users"
	connectTimeout = 10 * time.Second
)

// Mongo stores records in the Users collection, one document per user.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
}

func OpenMongo(ctx context.Context, uri string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	users := client.Database(databaseName).Collection(usersColl)
	_, err = users.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "id", Value: 1}}})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("index users: %w", err)
	}

	return &Mongo{client: client, users: users}, nil
}

func (m *Mongo) Get(ctx context.Context, userID string) (*preference.Record, error) {
	var rec preference.Record
	err := m.users.FindOne(ctx, bson.M{"id": userID},
		options.FindOne().SetProjection(bson.M{"_id": 0})).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", userID, err)
	}
	return &rec, nil
}

func (m *Mongo) Set(ctx context.Context, rec *preference.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record without id")
	}
	_, err := m.users.UpdateOne(ctx, bson.M{"id": rec.ID}, bson.M{"$set": rec},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save user %s: %w", rec.ID, err)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, userID string) error {
	if _, err := m.users.DeleteOne(ctx, bson.M{"id": userID}); err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
