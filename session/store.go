package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/nopwd/internal/util"
	"github.com/jmcleod/nopwd/storage"
)

const (
	storeNamespace    = "nopwd"
	recordType        = "SESSION"
	recordKeyType     = "SESSION_KEY"
	saltType          = "SESSION_SALT"
	currentID         = "current"
	recordAAD         = "nopwd:session:" + currentID
	keyWrappingAAD    = "nopwd:session_record_key:v1"
	privateKeyAADBase = "nopwd:session_private_key:"
	wrappingKeySize   = 32
)

// errCorruptRecord marks a stored record that cannot be opened or decoded,
// typically because the wrapping key changed.
var errCorruptRecord = errors.New("corrupt session record")

// record is the persisted state of the current session. PrivateKey is the
// signing key sealed with the record key; it never leaves this package.
type record struct {
	SessionID     string   `json:"session_id"`
	Token         string   `json:"token"`
	NextChallenge string   `json:"next_challenge"`
	PrivateKey    []byte   `json:"private_key"`
	CreatedAt     int64    `json:"created_at"`
	CreatedWith   []string `json:"created_with"`
	ExpiresAt     int64    `json:"expires_at"`
	UsedAt        int64    `json:"used_at"`
	IdleTimeout   int64    `json:"idle_timeout"`

	// Version is the storage CAS counter, not part of the sealed payload.
	Version uint64 `json:"-"`
}

func (r *record) expiresAt() time.Time { return time.Unix(r.ExpiresAt, 0) }

func (r *record) idleDeadline() time.Time {
	return time.Unix(r.UsedAt, 0).Add(time.Duration(r.IdleTimeout) * time.Second)
}

// expired reports whether the record is past its absolute lifetime or has
// been idle for longer than its idle timeout.
func (r *record) expired(now time.Time) bool {
	if now.After(r.expiresAt()) {
		return true
	}
	return r.IdleTimeout > 0 && now.After(r.idleDeadline())
}

func privateKeyAAD(sessionID string) []byte {
	return []byte(privateKeyAADBase + sessionID)
}

// store keeps the single session record in a storage.Repository, encrypted
// at rest with AES-256-GCM. The record key is itself sealed with an
// externally provided wrapping key, so the repository alone cannot recover
// the session.
type store struct {
	repo        storage.Repository
	key         []byte
	wrappingKey []byte
}

func openStore(ctx context.Context, repo storage.Repository, wrappingKey []byte) (*store, error) {
	if len(wrappingKey) != wrappingKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", wrappingKeySize, len(wrappingKey))
	}
	wk := bytes.Clone(wrappingKey)

	key, err := loadOrCreateRecordKey(ctx, repo, wk)
	if err != nil {
		util.Wipe(wk)
		return nil, err
	}
	return &store{repo: repo, key: key, wrappingKey: wk}, nil
}

// close wipes key material.
func (s *store) close() {
	util.Wipe(s.key)
	util.Wipe(s.wrappingKey)
}

// load returns the current record, or nil when there is none.
func (s *store) load(ctx context.Context) (*record, error) {
	env, err := s.repo.Get(ctx, storeNamespace, recordType, currentID)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}
	data, err := storage.OpenRecord(s.key, env, []byte(recordAAD))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptRecord, err)
	}
	defer util.Wipe(data)

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorruptRecord, err)
	}
	rec.Version = env.Version
	return &rec, nil
}

// replace overwrites whatever record exists. The new version is always
// greater than the one it replaces so that an in-flight update of the old
// record fails its CAS.
func (s *store) replace(ctx context.Context, rec *record) error {
	var version uint64 = 1
	if env, err := s.repo.Get(ctx, storeNamespace, recordType, currentID); err == nil {
		version = env.Version + 1
	} else if !storage.IsNotFound(err) {
		return fmt.Errorf("loading session record: %w", err)
	}

	env, err := s.seal(rec, version)
	if err != nil {
		return err
	}
	if err := s.repo.Put(ctx, storeNamespace, recordType, currentID, env); err != nil {
		return fmt.Errorf("saving session record: %w", err)
	}
	rec.Version = version
	return nil
}

// update writes rec only if the stored record still has rec.Version.
func (s *store) update(ctx context.Context, rec *record) error {
	env, err := s.seal(rec, rec.Version+1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(ctx, storeNamespace, recordType, currentID, rec.Version, env); err != nil {
		return fmt.Errorf("updating session record: %w", err)
	}
	rec.Version++
	return nil
}

// remove deletes the record. A missing record is not an error.
func (s *store) remove(ctx context.Context) error {
	err := s.repo.Delete(ctx, storeNamespace, recordType, currentID)
	if err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("deleting session record: %w", err)
	}
	return nil
}

func (s *store) seal(rec *record, version uint64) (*storage.Envelope, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding session record: %w", err)
	}
	defer util.Wipe(data)
	env, err := storage.SealRecord(s.key, data, []byte(recordAAD), version)
	if err != nil {
		return nil, fmt.Errorf("sealing session record: %w", err)
	}
	return env, nil
}

// loadOrCreateRecordKey loads the record encryption key, unsealing it with
// the wrapping key. If no key exists, or the wrapping key changed, a new
// 32-byte key is generated, sealed and persisted. Records sealed under a
// previous key become unreadable and are discarded on the next load.
func loadOrCreateRecordKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(keyWrappingAAD)

	env, err := repo.Get(ctx, storeNamespace, recordKeyType, currentID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == wrappingKeySize {
			return key, nil
		}
		util.Wipe(key)
	} else if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("loading session record key: %w", err)
	}

	key, err := util.RandomBytes(wrappingKeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.Wipe(key)
		return nil, fmt.Errorf("sealing session record key: %w", err)
	}
	if err := repo.Put(ctx, storeNamespace, recordKeyType, currentID, sealed); err != nil {
		util.Wipe(key)
		return nil, fmt.Errorf("saving session record key: %w", err)
	}
	return key, nil
}

// StoreSalt returns the random salt that wrapping keys for repo are derived
// with, creating and persisting one on first use.
func StoreSalt(ctx context.Context, repo storage.Repository) ([]byte, error) {
	env, err := repo.Get(ctx, storeNamespace, saltType, currentID)
	if err == nil {
		salt, plainErr := storage.PlainData(env)
		if plainErr == nil && len(salt) >= util.SaltSize {
			return salt, nil
		}
	} else if !storage.IsNotFound(err) {
		return nil, fmt.Errorf("loading store salt: %w", err)
	}

	salt, err := util.RandomBytes(util.SaltSize)
	if err != nil {
		return nil, err
	}
	if err := repo.Put(ctx, storeNamespace, saltType, currentID, storage.PlainRecord(salt)); err != nil {
		return nil, fmt.Errorf("saving store salt: %w", err)
	}
	return salt, nil
}
