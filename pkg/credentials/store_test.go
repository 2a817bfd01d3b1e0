package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/exploopio/attackmap/pkg/errors"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"adapters.sigma.token", false},
		{"gitlab-token_2", false},
		{"", true},
		{"../etc/passwd", true},
		{"a..b", true},
		{".hidden", true},
		{"has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("error should wrap ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, "adapters.sigma.token"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("Get() on empty store = %v, want ErrCredentialNotFound", err)
	}
	if err := s.Set(ctx, "adapters.sigma.token", "ghp_x"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Get(ctx, "adapters.sigma.token"); v != "ghp_x" {
		t.Errorf("Get() = %q, want ghp_x", v)
	}
	if err := s.Delete(ctx, "adapters.sigma.token"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "adapters.sigma.token"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("second Delete() = %v", err)
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("ATTACKMAP_ADAPTERS_ELASTIC_TOKEN", "env-token")
	s := NewEnvStore("ATTACKMAP_")

	v, err := s.Get(context.Background(), AdapterTokenKey("elastic"))
	if err != nil || v != "env-token" {
		t.Errorf("Get() = %q, %v", v, err)
	}
	if err := s.Set(context.Background(), "x", "y"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set() = %v, want ErrReadOnly", err)
	}
}

func TestChainedStore(t *testing.T) {
	ctx := context.Background()
	t.Setenv("T_ADAPTERS_CTID_TOKEN", "from-env")

	mem := NewMemoryStore()
	_ = mem.Set(ctx, AdapterTokenKey("sigma"), "from-mem")
	chain := NewChainedStore(NewEnvStore("T_"), mem)

	if v, _ := chain.Get(ctx, AdapterTokenKey("ctid")); v != "from-env" {
		t.Errorf("ctid = %q, want from-env", v)
	}
	if v, _ := chain.Get(ctx, AdapterTokenKey("sigma")); v != "from-mem" {
		t.Errorf("sigma = %q, want from-mem", v)
	}
	if err := chain.Set(ctx, AdapterTokenKey("splunk"), "new"); err != nil {
		t.Errorf("Set() should fall through to the writable store, got %v", err)
	}
	if v, _ := mem.Get(ctx, AdapterTokenKey("splunk")); v != "new" {
		t.Errorf("splunk = %q, want new", v)
	}
}

func TestLookup(t *testing.T) {
	v, err := Lookup(context.Background(), NewMemoryStore(), "missing")
	if err != nil || v != "" {
		t.Errorf("Lookup() = %q, %v; want empty, nil", v, err)
	}
	if v, err := Lookup(context.Background(), nil, "missing"); err != nil || v != "" {
		t.Errorf("Lookup(nil store) = %q, %v", v, err)
	}
}

func TestAESEncryptor(t *testing.T) {
	if _, err := NewAESEncryptor([]byte("short")); err == nil {
		t.Error("expected error for bad key size")
	}

	enc, err := NewAESEncryptor(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil || string(pt) != "secret" {
		t.Errorf("Decrypt() = %q, %v", pt, err)
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered Decrypt() = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptedFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.enc")
	enc, _ := NewAESEncryptor(make([]byte, 16))

	s, err := NewEncryptedFileStore(path, enc)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, AdapterTokenKey("sentinel"), "glpat-1"); err != nil {
		t.Fatal(err)
	}

	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || string(raw) == `{"adapters.sentinel.token":"glpat-1"}` {
		t.Fatal("file should hold ciphertext")
	}

	reopened, err := NewEncryptedFileStore(path, enc)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := reopened.Get(ctx, AdapterTokenKey("sentinel")); v != "glpat-1" {
		t.Errorf("Get() after reopen = %q", v)
	}

	other, _ := NewAESEncryptor([]byte("0123456789abcdef"))
	if _, err := NewEncryptedFileStore(path, other); err == nil {
		t.Error("expected error opening with the wrong key")
	}
}
