package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// JetStreamStore keeps settings in a JetStream key-value bucket so that
// surfaces running in separate processes share one store. Each key is an
// independent last-write-wins value; multi-key writes are not atomic.
type JetStreamStore struct {
	kv nats.KeyValue
}

func OpenJetStream(js nats.JetStreamContext, bucket string) (*JetStreamStore, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "rhinos user settings",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open settings bucket %s: %w", bucket, err)
	}
	return &JetStreamStore{kv: kv}, nil
}

func (s *JetStreamStore) Get(_ context.Context, key string) (string, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return string(entry.Value()), nil
}

func (s *JetStreamStore) Set(_ context.Context, values map[string]string) error {
	for k, v := range values {
		if _, err := s.kv.PutString(k, v); err != nil {
			return fmt.Errorf("put %s: %w", k, err)
		}
	}
	return nil
}

func (s *JetStreamStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if err := s.kv.Delete(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

func (s *JetStreamStore) Close() error { return nil }
