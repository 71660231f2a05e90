// Package natsclient manages the NATS connection used by the file catalog.
//
// A Client owns one connection and its JetStream context. Connection
// failures are counted; after a threshold the circuit opens and calls fail
// fast with ErrCircuitOpen until the backoff expires. The backoff doubles
// each time the circuit reopens, up to WithMaxBackoff.
//
// KVStore wraps a JetStream key-value bucket:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithConnectRetry(retry.DefaultConfig()))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "files"})
//	kv := client.NewKVStore(bucket)
//	err = natsclient.UpdateJSON(ctx, kv, "f1", func(doc *FileInfo, exists bool) error {
//	    doc.Points += n
//	    return nil
//	})
//
// Get, Create, Update and Delete map NATS errors to ErrKVKeyNotFound,
// ErrKVKeyExists and ErrKVRevisionMismatch. UpdateWithRetry and UpdateJSON
// retry CAS conflicts with jittered exponential backoff.
//
// TestClient starts a throwaway server with testcontainers for integration
// tests.
package natsclient
