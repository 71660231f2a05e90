// Package config loads the pointstream server configuration.
//
// Configuration is layered: Default, then any number of JSON or YAML
// documents, then POINTSTREAM_* environment variables. Each layer only
// overrides the fields it sets.
//
//	l := config.NewLoader(logger)
//	if err := l.AddFile("pointstream.yaml"); err != nil {
//	    return err
//	}
//	cfg, err := l.Load()
//
// Durations are written as Go duration strings ("250ms", "30s") with an
// added "d" suffix for days. Unknown fields are rejected so that typos fail
// at startup.
//
// Environment overrides:
//
//	POINTSTREAM_ADDR             server.addr
//	POINTSTREAM_TLS_CERT_FILE    server.tls.cert_file, enables TLS
//	POINTSTREAM_TLS_KEY_FILE     server.tls.key_file
//	POINTSTREAM_STORE_DRIVER     store.driver (memory, bolt, sqlite)
//	POINTSTREAM_STORE_PATH       store.path
//	POINTSTREAM_CATALOG_BACKEND  catalog.backend (store, nats)
//	POINTSTREAM_CATALOG_BUCKET   catalog.bucket
//	POINTSTREAM_CACHE_TTL        catalog.cache_ttl
//	POINTSTREAM_NATS_URL         nats.url
//	POINTSTREAM_NATS_USERNAME    nats.username
//	POINTSTREAM_NATS_PASSWORD    nats.password
//	POINTSTREAM_NATS_TOKEN       nats.token
//	POINTSTREAM_ALLOWED_ORIGINS  server.allowed_origins, comma separated
//	POINTSTREAM_FLUSH_THRESHOLD  stream.flush_threshold
package config
