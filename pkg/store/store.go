// Package store persists products, the coverage graph, derived capabilities,
// telemetry streams, fused mappings and a small settings KV in SQLite.
//
// The database uses the pure Go driver (modernc.org/sqlite), WAL journaling
// and a single connection, so every write is serialized and a transaction
// never competes with a reader on another connection.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/exploopio/attackmap/pkg/compress"
	"github.com/exploopio/attackmap/pkg/credentials"
	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

// Config configures the store.
type Config struct {
	// Path is the database file. Its directory is created if missing.
	Path string `yaml:"path"`

	Logger logging.Logger `yaml:"-"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{Path: filepath.Join(home, ".attackmap", "attackmap.db")}
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	codec  *compress.Codec
	logger logging.Logger
}

// Open opens (and if needed creates) the database at cfg.Path.
func Open(cfg *Config) (*Store, error) {
	const op = "store.Open"
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errors.E(errors.KindStorage, op, "create storage directory", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "open database", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.E(errors.KindStorage, op, "set pragma", err)
		}
	}

	s := &Store{
		db:     db,
		codec:  compress.NewCodec(compress.LevelDefault),
		logger: logging.OrDefault(cfg.Logger, "store"),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.E(errors.KindStorage, op, "init schema", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.E(errors.KindStorage, "store.Ping", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		vendor TEXT NOT NULL DEFAULT '',
		product_type TEXT NOT NULL DEFAULT '',
		platforms TEXT NOT NULL DEFAULT '[]',
		aliases TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		platforms TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS edges (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		type TEXT NOT NULL,
		provenance TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, type)
	);

	CREATE TABLE IF NOT EXISTS capabilities (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		source TEXT NOT NULL,
		platform TEXT NOT NULL,
		grp TEXT NOT NULL,
		name TEXT NOT NULL,
		weight REAL NOT NULL,
		mappings TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS streams (
		product_id TEXT NOT NULL,
		name TEXT NOT NULL COLLATE NOCASE,
		configured INTEGER NOT NULL DEFAULT 0,
		components TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (product_id, name)
	);

	CREATE TABLE IF NOT EXISTS mappings (
		product_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		confidence INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mapping_cache (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind);
	CREATE INDEX IF NOT EXISTS idx_capabilities_product ON capabilities(product_id, platform, grp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =============================================================================
// Settings
// =============================================================================

// GetSetting returns a setting value and whether it exists.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.E(errors.KindStorage, "store.GetSetting", err)
	}
	return v, true, nil
}

// SetSetting stores a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return errors.E(errors.KindStorage, "store.SetSetting", err)
	}
	return nil
}

// DeleteSetting removes a setting. It reports whether a row was deleted.
func (s *Store) DeleteSetting(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return false, errors.E(errors.KindStorage, "store.DeleteSetting", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// Secrets
// =============================================================================

const secretPrefix = "secret:"

// SecretStore keeps adapter credentials in the settings table, encrypted
// with AES-GCM. It implements credentials.Store.
type SecretStore struct {
	store *Store
	enc   *credentials.AESEncryptor
}

// Secrets returns a credential store backed by the settings table.
func (s *Store) Secrets(enc *credentials.AESEncryptor) *SecretStore {
	return &SecretStore{store: s, enc: enc}
}

func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	if err := credentials.ValidateKey(key); err != nil {
		return "", err
	}
	v, ok, err := s.store.GetSetting(ctx, secretPrefix+key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", credentials.ErrCredentialNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", errors.E("store.SecretStore.Get", credentials.ErrDecryptionFailed)
	}
	plain, err := s.enc.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *SecretStore) Set(ctx context.Context, key, value string) error {
	if err := credentials.ValidateKey(key); err != nil {
		return err
	}
	sealed, err := s.enc.Encrypt([]byte(value))
	if err != nil {
		return err
	}
	return s.store.SetSetting(ctx, secretPrefix+key, base64.StdEncoding.EncodeToString(sealed))
}

func (s *SecretStore) Delete(ctx context.Context, key string) error {
	if err := credentials.ValidateKey(key); err != nil {
		return err
	}
	ok, err := s.store.DeleteSetting(ctx, secretPrefix+key)
	if err != nil {
		return err
	}
	if !ok {
		return credentials.ErrCredentialNotFound
	}
	return nil
}

var _ credentials.Store = (*SecretStore)(nil)

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.GetKind(err) != errors.KindUnknown {
		return err
	}
	return errors.E(errors.KindStorage, op, err)
}
