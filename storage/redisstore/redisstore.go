// Package redisstore keeps each cassette as one JSON document under a Redis
// key, so a save replaces the whole cassette in a single SET.
package redisstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/thegreatape/betamax/cassette"
)

const DefaultPrefix = "betamax:cassette:"

type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects using a redis:// or rediss:// URL.
func Open(url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts), prefix), nil
}

func (s *Store) Key(name string) string {
	return s.prefix + name
}

func (s *Store) Load(ctx context.Context, name string) ([]cassette.Interaction, error) {
	data, err := s.client.Get(ctx, s.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cassette.ErrNotFound
	}
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	interactions, err := cassette.Decode(cassette.JSON, data)
	if err != nil {
		return nil, cassette.NewStorageError("load", name, err)
	}
	return interactions, nil
}

func (s *Store) Save(ctx context.Context, name string, interactions []cassette.Interaction) error {
	data, err := cassette.Encode(cassette.JSON, name, interactions)
	if err != nil {
		return cassette.NewStorageError("save", name, err)
	}
	if err := s.client.Set(ctx, s.Key(name), data, 0).Err(); err != nil {
		return cassette.NewStorageError("save", name, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
