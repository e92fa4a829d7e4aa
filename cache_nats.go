package dal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const natsEnvelopeMarker = "dal-v1"

// NATSKeyValue captures the subset of nats.KeyValue used by the cache store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
}

// JetStream buckets carry a single bucket-wide TTL, so per-entry expiry lives in
// an envelope checked on read.
type natsCacheStore struct {
	kv     NATSKeyValue
	prefix string
}

type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

func newNATSCacheStore(kv NATSKeyValue, prefix string) CacheStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &natsCacheStore{kv: kv, prefix: prefix}
}

func (s *natsCacheStore) Driver() CacheDriver { return CacheDriverNATS }

func (s *natsCacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.kv == nil {
		return nil, false, errors.New("nats cache key-value unavailable")
	}
	cacheKey := s.cacheKey(key)
	entry, err := s.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return nil, false, nil
	}
	var envelope natsEnvelope
	if err := json.Unmarshal(entry.Value(), &envelope); err != nil || envelope.Marker != natsEnvelopeMarker {
		// Foreign or corrupt entries are treated as misses and dropped.
		_ = s.kv.Purge(cacheKey)
		return nil, false, nil
	}
	if envelope.ExpiresAt > 0 && time.Now().UnixMilli() > envelope.ExpiresAt {
		_ = s.kv.Purge(cacheKey)
		return nil, false, nil
	}
	return cloneBytes(envelope.Value), true, nil
}

func (s *natsCacheStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.kv == nil {
		return errors.New("nats cache key-value unavailable")
	}
	if ttl <= 0 {
		ttl = defaultCacheExpiry
	}
	body, err := json.Marshal(natsEnvelope{
		Marker:    natsEnvelopeMarker,
		Value:     cloneBytes(value),
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal nats cache envelope: %w", err)
	}
	_, err = s.kv.Put(s.cacheKey(key), body)
	return err
}

func (s *natsCacheStore) Delete(_ context.Context, key string) error {
	if s.kv == nil {
		return errors.New("nats cache key-value unavailable")
	}
	err := s.kv.Delete(s.cacheKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return err
}

// NATS subjects only allow a restricted alphabet, so key parts are base64url encoded.
func (s *natsCacheStore) cacheKey(key string) string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k." + encodeNATSKeyPart(key)
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
