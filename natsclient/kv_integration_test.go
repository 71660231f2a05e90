//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Count int `json:"count"`
}

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("kv-test"))
	ctx := context.Background()

	bucket, err := tc.Client.GetKeyValueBucket(ctx, "kv-test")
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)
	assert.Equal(t, "kv-test", kv.Bucket())

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "a", []byte("3"), rev+100)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)
	_, err = kv.Update(ctx, "a", []byte("3"), rev)
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), entry.Value)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVStore_UpdateJSONConcurrent(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "counters"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxRetries = 50 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := UpdateJSON(ctx, kv, "n", func(doc *counterDoc, _ bool) error {
				doc.Count++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "n")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":10}`, string(entry.Value))
}

func TestClient_Integration_Lifecycle(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	assert.True(t, tc.Client.IsHealthy())
	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)

	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "dup"})
	require.NoError(t, err)
	_, err = tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "dup"})
	require.NoError(t, err)

	require.NoError(t, tc.Client.DeleteKeyValueBucket(ctx, "dup"))
	_, err = tc.Client.GetKeyValueBucket(ctx, "dup")
	assert.Error(t, err)

	require.NoError(t, tc.Client.Close(ctx))
	assert.False(t, tc.Client.IsHealthy())
}
