package clients

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(
		Client{ID: "mpe-web", RedirectURIs: []string{"https://app.example/callback"}},
		Client{ID: "cli", RedirectURIs: []string{"http://127.0.0.1:8765/cb", "http://localhost:8765/cb"}},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		wantErr     error
	}{
		{"registered pair", "mpe-web", "https://app.example/callback", nil},
		{"second uri of client", "cli", "http://localhost:8765/cb", nil},
		{"trailing slash", "mpe-web", "https://app.example/callback/", ErrRedirectMismatch},
		{"different case", "mpe-web", "https://APP.example/callback", ErrRedirectMismatch},
		{"added query", "mpe-web", "https://app.example/callback?x=1", ErrRedirectMismatch},
		{"prefix of uri", "mpe-web", "https://app.example/call", ErrRedirectMismatch},
		{"uri of other client", "mpe-web", "http://localhost:8765/cb", ErrRedirectMismatch},
		{"empty redirect", "mpe-web", "", ErrRedirectMismatch},
		{"unknown client", "nope", "https://app.example/callback", ErrUnknownClient},
		{"empty client", "", "https://app.example/callback", ErrUnknownClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := r.Validate(tt.clientID, tt.redirectURI)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && c.ID != tt.clientID {
				t.Errorf("Validate() client = %q, want %q", c.ID, tt.clientID)
			}
		})
	}
}

func TestRegistry_ValidateEveryRegisteredPair(t *testing.T) {
	r := newTestRegistry(t)
	for _, id := range r.IDs() {
		c, _ := r.Get(id)
		for _, uri := range c.RedirectURIs {
			if _, err := r.Validate(id, uri); err != nil {
				t.Errorf("Validate(%q, %q) error = %v", id, uri, err)
			}
		}
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		clients []Client
	}{
		{"missing id", []Client{{RedirectURIs: []string{"https://a.example/cb"}}}},
		{"no redirect uris", []Client{{ID: "a"}}},
		{"relative redirect uri", []Client{{ID: "a", RedirectURIs: []string{"/cb"}}}},
		{"duplicate id", []Client{
			{ID: "a", RedirectURIs: []string{"https://a.example/cb"}},
			{ID: "a", RedirectURIs: []string{"https://b.example/cb"}},
		}},
		{"bad secret hash", []Client{{ID: "a", RedirectURIs: []string{"https://a.example/cb"}, SecretHash: "plain"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.clients...); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestRegistry_Authenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(
		Client{ID: "public", RedirectURIs: []string{"https://a.example/cb"}},
		Client{ID: "confidential", RedirectURIs: []string{"https://b.example/cb"}, SecretHash: string(hash)},
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  error
	}{
		{"public without secret", "public", "", nil},
		{"confidential with secret", "confidential", "s3cret", nil},
		{"confidential without secret", "confidential", "", ErrInvalidClientSecret},
		{"confidential wrong secret", "confidential", "guess", ErrInvalidClientSecret},
		{"unknown", "ghost", "", ErrUnknownClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Authenticate(tt.clientID, tt.secret); !errors.Is(err, tt.wantErr) {
				t.Errorf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	content := `
mpe-web:
  name: MPE Web
  redirect_uris:
    - https://app.example/callback
cli:
  redirect_uris:
    - http://localhost:8765/cb
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if got := r.IDs(); len(got) != 2 || got[0] != "cli" || got[1] != "mpe-web" {
		t.Errorf("IDs() = %v", got)
	}
	c, err := r.Validate("mpe-web", "https://app.example/callback")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if c.Name != "MPE Web" {
		t.Errorf("Name = %q", c.Name)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile() of a missing file should fail")
	}
	if _, err := Parse([]byte("a: [")); err == nil {
		t.Error("Parse() of malformed YAML should fail")
	}
	if _, err := Parse([]byte("a:\n  redirect_uris: []\n")); err == nil {
		t.Error("Parse() of a client without redirect URIs should fail")
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	r, err := New(Client{ID: "c", RedirectURIs: []string{"https://c.example/cb"}, SecretHash: hash})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := r.Authenticate("c", "s3cret"); err != nil {
		t.Errorf("Authenticate() error = %v", err)
	}
	if _, err := HashSecret(""); err == nil {
		t.Error("HashSecret(\"\") should fail")
	}
}
