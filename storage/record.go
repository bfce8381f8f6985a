package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/security"
)

// recordStore is the common base of the typed stores: JSON records, optionally
// sealed with AES-GCM, read against an injectable clock.
type recordStore struct {
	kv        KV
	logger    *slog.Logger
	now       func() time.Time
	encryptor *security.Encryptor
}

func newRecordStore(kv KV, logger *slog.Logger) recordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return recordStore{kv: kv, logger: logger, now: time.Now}
}

// SetClock replaces the time source used for expiry checks.
func (r *recordStore) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetEncryptor enables encryption of record values at rest.
func (r *recordStore) SetEncryptor(enc *security.Encryptor) {
	r.encryptor = enc
}

func (r *recordStore) marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	sealed, err := r.encryptor.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record: %w", err)
	}
	return sealed, nil
}

func (r *recordStore) unmarshal(data []byte, v any) error {
	plain, err := r.encryptor.Open(data)
	if err != nil {
		return fmt.Errorf("failed to decrypt record: %w", err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}
