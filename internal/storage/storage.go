// /internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/keshon/chiwawa/datastore"
	"github.com/keshon/chiwawa/internal/config"
	"github.com/keshon/chiwawa/internal/logger"
	"github.com/keshon/chiwawa/internal/preference"
)

var ErrNotFound = errors.New("record not found")

// Store persists notification preferences keyed by user id.
type Store interface {
	Get(ctx context.Context, userID string) (*preference.Record, error)
	Set(ctx context.Context, rec *preference.Record) error
	Delete(ctx context.Context, userID string) error
	Close(ctx context.Context) error
}

// Open picks MongoDB when a URI is configured and the JSON file otherwise.
// It returns nil, nil when neither is set.
func Open(ctx context.Context, cfg config.Database) (Store, error) {
	switch {
	case cfg.URI != "":
		m, err := OpenMongo(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return m, nil
	case cfg.Path != "":
		f, err := OpenFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, nil
	}
}

// Storage is the JSON file backed Store.
type Storage struct {
	ds *datastore.DataStore
}

func OpenFile(path string) (*Storage, error) {
	cfg := datastore.DefaultConfig(path)
	cfg.Logger = logger.Component("datastore")

	ds, err := datastore.NewWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open preference file: %w", err)
	}
	return &Storage{ds: ds}, nil
}

func (s *Storage) Get(_ context.Context, userID string) (*preference.Record, error) {
	var rec preference.Record
	ok, err := s.ds.Get(userID, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	rec.ID = userID
	return &rec, nil
}

func (s *Storage) Set(_ context.Context, rec *preference.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record without id")
	}
	return s.ds.Put(rec.ID, rec)
}

func (s *Storage) Delete(_ context.Context, userID string) error {
	return s.ds.Delete(userID)
}

func (s *Storage) Close(context.Context) error {
	return s.ds.Close()
}
