// Package mongostore keeps each cassette as one MongoDB document keyed by
// cassette name.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/thegreatape/betamax/cassette"
)

const (
	DefaultDatabase   = "betamax"
	DefaultCollection = "cassettes"
)

type record struct {
	Name         string                         `bson:"_id"`
	Version      string                         `bson:"version"`
	Interactions []cassette.DocumentInteraction `bson:"interactions"`
	UpdatedAt    time.Time                      `bson:"updated_at"`
}

type Store struct {
	coll   *mongo.Collection
	client *mongo.Client
}

func New(coll *mongo.Collection) *Store {
	return &Store{coll: coll}
}

// Connect dials uri and uses the given database and collection, falling
// back to the defaults when empty. Close disconnects.
func Connect(ctx context.Context, uri, database, collection string) (*Store, error) {
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	s := New(client.Database(database).Collection(collection))
	s.client = client
	return s, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func (s *Store) Load(ctx context.Context, name string) ([]cassette.Interaction, error) {
	var rec record
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, cassette.ErrNotFound
	}
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	doc := cassette.Document{Version: rec.Version, Name: rec.Name, Interactions: rec.Interactions}
	interactions, err := doc.Decode()
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	return interactions, nil
}

// Save replaces the cassette document, inserting it if needed.
func (s *Store) Save(ctx context.Context, name string, interactions []cassette.Interaction) error {
	doc := cassette.NewDocument(name, interactions)
	rec := record{
		Name:         name,
		Version:      doc.Version,
		Interactions: doc.Interactions,
		UpdatedAt:    time.Now().UTC(),
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": name}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return cassette.NewStorageError("save", name, err)
	}
	return nil
}

// Drop removes the whole collection.
func (s *Store) Drop(ctx context.Context) error {
	return s.coll.Drop(ctx)
}
