// Package clients holds the static registry of OAuth clients.
//
// The registry is loaded once at process start and never mutated afterwards.
// Redirect URIs are compared as exact strings: a trailing slash, a different
// case or an added query string is a mismatch.
package clients

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"sort"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownClient is returned for a client_id that is not registered.
	ErrUnknownClient = errors.New("unknown client")

	// ErrRedirectMismatch is returned when a redirect_uri is not one of the
	// client's registered URIs.
	ErrRedirectMismatch = errors.New("redirect_uri does not match a registered redirect URI")

	// ErrInvalidClientSecret is returned when a confidential client presents a
	// missing or wrong secret.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)

// Client is a registered OAuth client.
type Client struct {
	ID           string   `yaml:"-" validate:"required,max=128"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris" validate:"required,min=1,dive,required,url"`

	// SecretHash is a bcrypt hash. Public clients leave it empty.
	SecretHash string `yaml:"secret_hash"`
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return c.SecretHash == ""
}

// HasRedirectURI reports whether uri is exactly one of the registered URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Registry is a read-only set of clients keyed by ID.
type Registry struct {
	clients map[string]*Client
}

// New validates the given clients and builds a registry.
func New(clients ...Client) (*Registry, error) {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get("yaml"); name != "" && name != "-" {
			return name
		}
		return fld.Name
	})

	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for i := range clients {
		c := clients[i]
		if err := validate.Struct(&c); err != nil {
			return nil, fmt.Errorf("invalid client %q: %w", c.ID, err)
		}
		if _, exists := r.clients[c.ID]; exists {
			return nil, fmt.Errorf("duplicate client %q", c.ID)
		}
		if c.SecretHash != "" {
			if _, err := bcrypt.Cost([]byte(c.SecretHash)); err != nil {
				return nil, fmt.Errorf("invalid secret hash for client %q: %w", c.ID, err)
			}
		}
		c.RedirectURIs = slices.Clone(c.RedirectURIs)
		r.clients[c.ID] = &c
	}
	return r, nil
}

// LoadFile reads a YAML mapping of client IDs to clients:
//
//	mpe-web:
//	  name: MPE Web
//	  redirect_uris:
//	    - https://app.example/callback
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clients file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the YAML format read by LoadFile.
func Parse(data []byte) (*Registry, error) {
	var entries map[string]Client
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode clients: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]Client, 0, len(entries))
	for _, id := range ids {
		c := entries[id]
		c.ID = id
		list = append(list, c)
	}
	return New(list...)
}

// Get returns the client with the given ID.
func (r *Registry) Get(clientID string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrUnknownClient
	}
	return c, nil
}

// Validate checks that clientID is registered and that redirectURI is exactly
// one of its redirect URIs.
func (r *Registry) Validate(clientID, redirectURI string) (*Client, error) {
	c, err := r.Get(clientID)
	if err != nil {
		return nil, err
	}
	if !c.HasRedirectURI(redirectURI) {
		return nil, ErrRedirectMismatch
	}
	return c, nil
}

// Authenticate checks the credentials presented at the token endpoint. Public
// clients pass without a secret.
func (r *Registry) Authenticate(clientID, secret string) (*Client, error) {
	c, err := r.Get(clientID)
	if err != nil {
		return nil, err
	}
	if c.IsPublic() {
		return c, nil
	}
	if secret == "" {
		return nil, ErrInvalidClientSecret
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidClientSecret
	}
	return c, nil
}

// IDs returns the registered client IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HashSecret returns the bcrypt hash stored in secret_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}
