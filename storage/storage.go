// Package storage opens a cassette.Storage from a DSN.
//
// Supported forms:
//
//	testdata/cassettes                  directory of YAML cassettes
//	file:///abs/dir?format=json         directory, explicit format
//	sqlite:///path/to/cassettes.db      SQLite database ("sqlite://:memory:" too, quoted in YAML)
//	postgres://user@host/db             PostgreSQL database
//	redis://host:6379/0?prefix=vcr:     Redis, one key per cassette
//	s3://bucket/prefix/?region=eu-west-1&endpoint=http://localhost:9000
//	mongodb://host:27017/db?collection=cassettes
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/thegreatape/betamax/cassette"
	"github.com/thegreatape/betamax/storage/mongostore"
	"github.com/thegreatape/betamax/storage/redisstore"
	"github.com/thegreatape/betamax/storage/s3store"
	"github.com/thegreatape/betamax/storage/sqlstore"
)

func Open(ctx context.Context, dsn string) (cassette.Storage, error) {
	if dsn == "" {
		return cassette.NewFileStorage(cassette.DefaultDir), nil
	}
	scheme, _, found := strings.Cut(dsn, "://")
	if !found {
		return cassette.NewFileStorage(dsn), nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		return openFile(dsn)
	case "sqlite":
		path := strings.TrimPrefix(dsn, scheme+"://")
		st, err := sqlstore.Open(ctx, sqlstore.SQLite, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cassette storage: %w", err)
		}
		return st, nil
	case "postgres", "postgresql":
		st, err := sqlstore.Open(ctx, sqlstore.Postgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres cassette storage: %w", err)
		}
		return st, nil
	case "redis", "rediss":
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		prefix := q.Get("prefix")
		q.Del("prefix")
		u.RawQuery = q.Encode()
		st, err := redisstore.Open(u.String(), prefix)
		if err != nil {
			return nil, fmt.Errorf("open redis cassette storage: %w", err)
		}
		return st, nil
	case "s3":
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		st, err := s3store.Open(ctx, s3store.Config{
			Bucket:   u.Host,
			Prefix:   strings.TrimPrefix(u.Path, "/"),
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 cassette storage: %w", err)
		}
		return st, nil
	case "mongodb", "mongodb+srv":
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, err
		}
		collection := u.Query().Get("collection")
		q := u.Query()
		q.Del("collection")
		u.RawQuery = q.Encode()
		st, err := mongostore.Connect(ctx, u.String(), strings.TrimPrefix(u.Path, "/"), collection)
		if err != nil {
			return nil, fmt.Errorf("open mongo cassette storage: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported cassette storage scheme %q", scheme)
}

func openFile(dsn string) (cassette.Storage, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	dir := u.Host + u.Path
	if dir == "" {
		dir = cassette.DefaultDir
	}
	codec, err := cassette.CodecFor(u.Query().Get("format"))
	if err != nil {
		return nil, err
	}
	st := cassette.NewFileStorage(dir)
	st.Codec = codec
	return st, nil
}
