package suppress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// kvBucket is the subset of a JetStream key-value bucket used by KVStore.
// get returns errKeyAbsent when the key has no value.
type kvBucket interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, value []byte) error
}

var errKeyAbsent = errors.New("key not found")

// KVStore keeps records in a NATS JetStream key-value bucket, one key per
// condition.
type KVStore struct {
	bucket kvBucket
	nc     *nats.Conn
}

// NewKVStore connects to url and binds to bucket, creating it when it does
// not exist.
func NewKVStore(ctx context.Context, url, bucket string) (*KVStore, error) {
	nc, err := nats.Connect(url, nats.Name("tripwire-agent"))
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", ErrStateStore, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %w", ErrStateStore, err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "tripwire suppression records",
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: bind bucket %q: %w", ErrStateStore, bucket, err)
	}
	return &KVStore{bucket: jsBucket{kv: kv}, nc: nc}, nil
}

func (s *KVStore) Get(ctx context.Context, conditionID string) (Record, bool, error) {
	data, err := s.bucket.get(ctx, kvKey(conditionID))
	if errors.Is(err, errKeyAbsent) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeErr("get", conditionID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, storeErr("get", conditionID, fmt.Errorf("decode: %w", err))
	}
	rec.ConditionID = conditionID
	return rec, true, nil
}

func (s *KVStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return storeErr("put", rec.ConditionID, fmt.Errorf("encode: %w", err))
	}
	if err := s.bucket.put(ctx, kvKey(rec.ConditionID), data); err != nil {
		return storeErr("put", rec.ConditionID, err)
	}
	return nil
}

func (s *KVStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// kvKey maps a condition ID onto the key alphabet JetStream accepts.
// Condition IDs may contain ':' which is not a legal key character.
func kvKey(conditionID string) string {
	return "c." + base64.RawURLEncoding.EncodeToString([]byte(conditionID))
}

// jsBucket adapts jetstream.KeyValue to kvBucket.
type jsBucket struct {
	kv jetstream.KeyValue
}

func (b jsBucket) get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, errKeyAbsent
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}
