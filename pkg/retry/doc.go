// Package retry wraps an operation in exponential backoff with jitter.
//
// It is used for the dependencies the server needs before it can accept
// queries: opening the point store and connecting to NATS.
//
//	db, err := retry.DoWithResult(ctx, retry.Quick(), func() (*sql.DB, error) {
//	    return openDatabase(path)
//	})
//
// Wrap an error with NonRetryable to stop immediately, for example when the
// configuration itself is wrong.
package retry
