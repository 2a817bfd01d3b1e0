// Package credentials stores the secrets adapters need to reach remote
// corpora (GitHub and GitLab tokens). Secrets never live in the YAML config;
// they come from the environment, an AES-GCM encrypted file, or memory.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/exploopio/attackmap/pkg/errors"
)

// Store is the interface for secret storage and retrieval.
type Store interface {
	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a secret.
	Set(ctx context.Context, key, value string) error

	// Delete removes a secret.
	Delete(ctx context.Context, key string) error
}

var (
	ErrCredentialNotFound = &errors.Error{Kind: errors.KindNotFound, Message: "credential not found"}
	ErrReadOnly           = &errors.Error{Kind: errors.KindInvalidInput, Message: "store is read-only"}
	ErrInvalidKey         = &errors.Error{Kind: errors.KindInvalidInput, Message: "invalid credential key"}
	ErrDecryptionFailed   = &errors.Error{Kind: errors.KindInternal, Message: "decryption failed"}
)

// keyPattern allows alphanumeric characters, dots, underscores and hyphens.
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateKey checks that a key is safe to use as a lookup or env var name.
func ValidateKey(key string) error {
	if key == "" || len(key) > 256 || strings.Contains(key, "..") || !keyPattern.MatchString(key) {
		return errors.E("credentials.ValidateKey", fmt.Sprintf("%q", key), ErrInvalidKey)
	}
	return nil
}

// AdapterTokenKey returns the key under which an adapter's remote token is
// stored, e.g. "adapters.sigma.token".
func AdapterTokenKey(adapter string) string {
	return "adapters." + adapter + ".token"
}

// =============================================================================
// EnvStore
// =============================================================================

// EnvStore reads secrets from environment variables. Key "adapters.sigma.token"
// with prefix "ATTACKMAP_" reads ATTACKMAP_ADAPTERS_SIGMA_TOKEN.
type EnvStore struct {
	Prefix string
}

// NewEnvStore creates a new environment variable store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

func (s *EnvStore) envKey(key string) string {
	k := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return s.Prefix + k
}

func (s *EnvStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	value, ok := os.LookupEnv(s.envKey(key))
	if !ok || value == "" {
		return "", ErrCredentialNotFound
	}
	return value, nil
}

func (s *EnvStore) Set(ctx context.Context, key, value string) error { return ErrReadOnly }
func (s *EnvStore) Delete(ctx context.Context, key string) error     { return ErrReadOnly }

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore keeps secrets in memory. Useful for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.secrets, key)
	return nil
}

// =============================================================================
// ChainedStore
// =============================================================================

// ChainedStore checks stores in order; the first hit wins. Writes go to the
// first writable store.
type ChainedStore struct {
	stores []Store
}

// NewChainedStore creates a new chained store.
func NewChainedStore(stores ...Store) *ChainedStore {
	return &ChainedStore{stores: stores}
}

func (s *ChainedStore) Get(ctx context.Context, key string) (string, error) {
	for _, store := range s.stores {
		v, err := store.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			return "", err
		}
	}
	return "", ErrCredentialNotFound
}

func (s *ChainedStore) Set(ctx context.Context, key, value string) error {
	for _, store := range s.stores {
		err := store.Set(ctx, key, value)
		if err == nil || !errors.Is(err, ErrReadOnly) {
			return err
		}
	}
	return ErrReadOnly
}

func (s *ChainedStore) Delete(ctx context.Context, key string) error {
	for _, store := range s.stores {
		err := store.Delete(ctx, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReadOnly) && !errors.Is(err, ErrCredentialNotFound) {
			return err
		}
	}
	return ErrCredentialNotFound
}

// =============================================================================
// Encryption
// =============================================================================

// AESEncryptor encrypts with AES-GCM. The nonce is prepended to the output.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates a new AES-GCM encryptor.
// Key must be 16, 24, or 32 bytes for AES-128, AES-192, or AES-256.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.E(errors.KindInvalidInput, "credentials.NewAESEncryptor", "key must be 16, 24, or 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "credentials.NewAESEncryptor", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "credentials.NewAESEncryptor", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// NewAESEncryptorFromEnv creates an encryptor from a base64 key held in envVar.
func NewAESEncryptorFromEnv(envVar string) (*AESEncryptor, error) {
	keyStr := os.Getenv(envVar)
	if keyStr == "" {
		return nil, errors.E(errors.KindNotFound, "credentials.NewAESEncryptorFromEnv", "encryption key not set in "+envVar)
	}
	key, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, "credentials.NewAESEncryptorFromEnv", "decode key", err)
	}
	return NewAESEncryptor(key)
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.E(errors.KindInternal, "credentials.Encrypt", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.E("credentials.Decrypt", "ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "credentials.Decrypt", ErrDecryptionFailed.Message, err)
	}
	return plaintext, nil
}

// =============================================================================
// EncryptedFileStore
// =============================================================================

// EncryptedFileStore keeps secrets in an AES-GCM encrypted JSON file.
type EncryptedFileStore struct {
	mu       sync.RWMutex
	filePath string
	enc      *AESEncryptor
	data     map[string]string
}

// NewEncryptedFileStore opens (or prepares to create) an encrypted store.
func NewEncryptedFileStore(filePath string, enc *AESEncryptor) (*EncryptedFileStore, error) {
	if enc == nil {
		return nil, errors.E(errors.KindInvalidInput, "credentials.NewEncryptedFileStore", "encryptor is required")
	}
	s := &EncryptedFileStore{filePath: filePath, enc: enc, data: make(map[string]string)}

	ciphertext, err := os.ReadFile(filePath)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, errors.E(errors.KindStorage, "credentials.NewEncryptedFileStore", err)
	}
	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, &s.data); err != nil {
		return nil, errors.E(errors.KindParse, "credentials.NewEncryptedFileStore", err)
	}
	return s, nil
}

// save must be called with mu held.
func (s *EncryptedFileStore) save() error {
	plaintext, err := json.Marshal(s.data)
	if err != nil {
		return errors.E(errors.KindInternal, "credentials.save", err)
	}
	ciphertext, err := s.enc.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath, ciphertext, 0600); err != nil {
		return errors.E(errors.KindStorage, "credentials.save", err)
	}
	return nil
}

func (s *EncryptedFileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return "", ErrCredentialNotFound
	}
	return v, nil
}

func (s *EncryptedFileStore) Set(ctx context.Context, key, value string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return s.save()
}

func (s *EncryptedFileStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.data, key)
	return s.save()
}

// Lookup returns the secret for key, or "" when it is absent. Other errors
// are returned.
func Lookup(ctx context.Context, store Store, key string) (string, error) {
	if store == nil {
		return "", nil
	}
	v, err := store.Get(ctx, key)
	if errors.Is(err, ErrCredentialNotFound) {
		return "", nil
	}
	return v, err
}

var (
	_ Store = (*EnvStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*ChainedStore)(nil)
	_ Store = (*EncryptedFileStore)(nil)
)
