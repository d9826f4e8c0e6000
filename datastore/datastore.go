// Package datastore is a small JSON document store kept in memory and
// flushed to a single file. Writes are atomic and the previous file is kept
// as a rotating backup.
package datastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("datastore is closed")

// Config holds options for a DataStore.
type Config struct {
	FilePath         string
	AutoSaveInterval time.Duration
	BackupCount      int // backups kept next to the file, 0 disables
	Logger           zerolog.Logger
}

// DefaultConfig returns the options used by New.
func DefaultConfig(filePath string) Config {
	return Config{
		FilePath:         filePath,
		AutoSaveInterval: 10 * time.Second,
		BackupCount:      3,
		Logger:           zerolog.Nop(),
	}
}

// DataStore maps string keys to JSON documents.
type DataStore struct {
	cfg Config

	mu           sync.RWMutex
	docs         map[string]json.RawMessage
	lastChecksum string
	closed       bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(filePath string) (*DataStore, error) {
	return NewWithConfig(DefaultConfig(filePath))
}

// NewWithConfig opens or creates the file and starts the autosave loop.
func NewWithConfig(cfg Config) (*DataStore, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	ds := &DataStore{cfg: cfg, docs: make(map[string]json.RawMessage), done: make(chan struct{})}

	switch _, err := os.Stat(cfg.FilePath); {
	case errors.Is(err, os.ErrNotExist):
		empty, err := ds.encode()
		if err != nil {
			return nil, err
		}
		if err := ds.writeFileAtomic(empty); err != nil {
			return nil, fmt.Errorf("create empty store: %w", err)
		}
		ds.lastChecksum = checksum(empty)
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", cfg.FilePath, err)
	default:
		if err := ds.load(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel
	if cfg.AutoSaveInterval > 0 {
		go ds.autoSave(ctx)
	} else {
		close(ds.done)
	}
	return ds, nil
}

// Get decodes the document stored under key into v.
func (ds *DataStore) Get(key string, v any) (bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if ds.closed {
		return false, ErrClosed
	}

	raw, ok := ds.docs[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// Put stores v under key.
func (ds *DataStore) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}
	ds.docs[key] = raw
	return nil
}

// Delete removes key. Missing keys are ignored.
func (ds *DataStore) Delete(key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}
	delete(ds.docs, key)
	return nil
}

// Len returns the number of documents.
func (ds *DataStore) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.docs)
}

// Flush writes pending changes to disk now.
func (ds *DataStore) Flush() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.closed {
		return ErrClosed
	}
	return ds.save()
}

// Close stops autosave and performs a final save.
func (ds *DataStore) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	ds.mu.Unlock()

	ds.cancel()
	<-ds.done

	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.save()
}

// save must be called with mu held.
func (ds *DataStore) save() error {
	data, err := ds.encode()
	if err != nil {
		return err
	}

	sum := checksum(data)
	if sum == ds.lastChecksum {
		return nil
	}

	if ds.cfg.BackupCount > 0 {
		if err := ds.backup(); err != nil {
			ds.cfg.Logger.Warn().Err(err).Msg("failed to back up store")
		}
	}
	if err := ds.writeFileAtomic(data); err != nil {
		return err
	}

	ds.lastChecksum = sum
	return nil
}

func (ds *DataStore) load() error {
	data, err := os.ReadFile(ds.cfg.FilePath)
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}

	docs := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("invalid store file %s: %w", ds.cfg.FilePath, err)
	}
	ds.docs = docs

	// Compare future saves against what save would write, not the raw file.
	encoded, err := ds.encode()
	if err != nil {
		return err
	}
	ds.lastChecksum = checksum(encoded)
	return nil
}

func (ds *DataStore) encode() ([]byte, error) {
	data, err := json.MarshalIndent(ds.docs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode store: %w", err)
	}
	return data, nil
}

func (ds *DataStore) writeFileAtomic(data []byte) error {
	tmp := ds.cfg.FilePath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, ds.cfg.FilePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (ds *DataStore) backup() error {
	src, err := os.Open(ds.cfg.FilePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer src.Close()

	name := fmt.Sprintf("%s.backup.%s", ds.cfg.FilePath, time.Now().Format("20060102_150405.000"))
	dst, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	ds.pruneBackups()
	return nil
}

// pruneBackups keeps the newest BackupCount backups.
func (ds *DataStore) pruneBackups() {
	matches, err := filepath.Glob(ds.cfg.FilePath + ".backup.*")
	if err != nil || len(matches) <= ds.cfg.BackupCount {
		return
	}

	// Timestamped names sort chronologically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-ds.cfg.BackupCount] {
		os.Remove(old)
	}
}

func (ds *DataStore) autoSave(ctx context.Context) {
	defer close(ds.done)

	ticker := time.NewTicker(ds.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.mu.Lock()
			err := ds.save()
			ds.mu.Unlock()
			if err != nil {
				ds.cfg.Logger.Error().Err(err).Msg("autosave failed")
			}
		}
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
