package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeyProvider supplies the key material a Manager starts with.
type KeyProvider interface {
	// SigningKey returns the private key used to sign new tokens.
	SigningKey(ctx context.Context) (jwk.Key, error)

	// VerificationKeys returns additional public keys that still verify tokens
	// signed before a rotation. The signing key is not included.
	VerificationKeys(ctx context.Context) ([]jwk.Key, error)
}

// FileProvider loads a PEM signing key and optional PEM verification keys.
// Keys are read once at construction; changes require a restart.
type FileProvider struct {
	signing      jwk.Key
	verification []jwk.Key
}

// NewFileProvider loads the signing key from signingKeyFile. Each of
// verificationKeyFiles may hold a private or a public key; only the public part
// is kept.
func NewFileProvider(signingKeyFile string, verificationKeyFiles ...string) (*FileProvider, error) {
	if signingKeyFile == "" {
		return nil, errors.New("signing key file is required")
	}

	signing, err := loadKeyFile(signingKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if _, ok := signing.(jwk.ECDSAPrivateKey); !ok {
		return nil, fmt.Errorf("signing key %s is not an EC private key", signingKeyFile)
	}

	p := &FileProvider{signing: signing}
	for _, path := range verificationKeyFiles {
		key, err := loadKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load verification key %s: %w", path, err)
		}
		pub, err := publicKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive public key from %s: %w", path, err)
		}
		p.verification = append(p.verification, pub)
	}
	return p, nil
}

func loadKeyFile(path string) (jwk.Key, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, err
	}
	key, err := jwk.ParseKey(data, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PEM key: %w", err)
	}
	if err := prepareKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// SigningKey implements KeyProvider.
func (p *FileProvider) SigningKey(_ context.Context) (jwk.Key, error) {
	return p.signing, nil
}

// VerificationKeys implements KeyProvider.
func (p *FileProvider) VerificationKeys(_ context.Context) ([]jwk.Key, error) {
	return p.verification, nil
}

// GeneratingProvider creates an ephemeral P-256 key on first use. Tokens signed
// with it become unverifiable after a restart, so it is meant for development.
type GeneratingProvider struct {
	logger *slog.Logger

	mu  sync.Mutex
	key jwk.Key
}

// NewGeneratingProvider creates a provider that generates an ephemeral key.
func NewGeneratingProvider(logger *slog.Logger) *GeneratingProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratingProvider{logger: logger}
}

// SigningKey implements KeyProvider. The same key is returned on every call.
func (p *GeneratingProvider) SigningKey(_ context.Context) (jwk.Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		return p.key, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	p.logger.Warn("Generated ephemeral signing key, tokens will be invalid after restart",
		"key_id", key.KeyID())
	p.key = key
	return key, nil
}

// VerificationKeys implements KeyProvider.
func (p *GeneratingProvider) VerificationKeys(_ context.Context) ([]jwk.Key, error) {
	return nil, nil
}

// GenerateKey returns a new P-256 private key with its thumbprint as key ID.
func GenerateKey() (jwk.Key, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create jwk from key: %w", err)
	}
	if err := prepareKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// MarshalPEM encodes a private key as a PKCS #8 PEM block.
func MarshalPEM(key jwk.Key) ([]byte, error) {
	var raw ecdsa.PrivateKey
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// prepareKey checks that key is a P-256 EC key and sets its algorithm and, when
// missing, a thumbprint key ID.
func prepareKey(key jwk.Key) error {
	var crv jwa.EllipticCurveAlgorithm
	switch k := key.(type) {
	case jwk.ECDSAPrivateKey:
		crv = k.Crv()
	case jwk.ECDSAPublicKey:
		crv = k.Crv()
	default:
		return fmt.Errorf("unsupported key type %s, want EC", key.KeyType())
	}
	if crv != jwa.P256 {
		return fmt.Errorf("unsupported curve %s, want P-256", crv)
	}

	if key.KeyID() == "" {
		kid, err := Thumbprint(key)
		if err != nil {
			return err
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return fmt.Errorf("failed to set key id: %w", err)
		}
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return fmt.Errorf("failed to set key algorithm: %w", err)
	}
	return nil
}

// publicKey returns the public half of key with the same key ID and algorithm.
func publicKey(key jwk.Key) (jwk.Key, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.KeyIDKey, key.KeyID()); err != nil {
		return nil, err
	}
	if err := prepareKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of key, base64url encoded.
func Thumbprint(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not create thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

var (
	_ KeyProvider = (*FileProvider)(nil)
	_ KeyProvider = (*GeneratingProvider)(nil)
)
