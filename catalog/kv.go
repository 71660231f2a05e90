package catalog

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/natsclient"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "POINT_FILES"

// KVCatalog stores one JSON FileInfo per key in a JetStream KV bucket.
type KVCatalog struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVCatalog creates a catalog over kv.
func NewKVCatalog(kv *natsclient.KVStore, logger *slog.Logger) *KVCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVCatalog{kv: kv, logger: logger.With("component", "catalog", "bucket", kv.Bucket())}
}

// List implements Catalog. Keys deleted between listing and reading are
// skipped.
func (c *KVCatalog) List(ctx context.Context) ([]FileInfo, error) {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVCatalog", "List", "list keys")
	}
	files := make([]FileInfo, 0, len(keys))
	for _, key := range keys {
		info, err := c.Get(ctx, key)
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, info)
	}
	sortFiles(files)
	return files, nil
}

// Get implements Catalog.
func (c *KVCatalog) Get(ctx context.Context, id string) (FileInfo, error) {
	entry, err := c.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return FileInfo{}, notFound("Get", id)
		}
		return FileInfo{}, errors.WrapTransient(err, "KVCatalog", "Get", "read "+id)
	}
	var info FileInfo
	if err := json.Unmarshal(entry.Value, &info); err != nil {
		return FileInfo{}, errors.WrapFatal(errors.ErrDataCorrupted, "KVCatalog", "Get", "decode "+id+": "+err.Error())
	}
	return info, nil
}

// Register implements Catalog.
func (c *KVCatalog) Register(ctx context.Context, info FileInfo) error {
	if err := validate(info); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "KVCatalog", "Register", "encode "+info.ID)
	}
	if _, err := c.kv.Create(ctx, info.ID, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapInvalid(errors.ErrInvalidData, "KVCatalog", "Register", "file "+info.ID+" already registered")
		}
		return errors.WrapTransient(err, "KVCatalog", "Register", "create "+info.ID)
	}
	c.logger.Debug("File registered", "file_id", info.ID, "filename", info.Filename)
	return nil
}

// AddPoints implements Catalog with a CAS read-modify-write.
func (c *KVCatalog) AddPoints(ctx context.Context, id string, n int64) error {
	err := natsclient.UpdateJSON(ctx, c.kv, id, func(info *FileInfo, exists bool) error {
		if !exists {
			return notFound("AddPoints", id)
		}
		info.Points += n
		return nil
	})
	if err == nil || errors.IsInvalid(err) {
		return err
	}
	return errors.WrapTransient(err, "KVCatalog", "AddPoints", "update "+id)
}

// Remove implements Catalog.
func (c *KVCatalog) Remove(ctx context.Context, id string) error {
	if err := c.kv.Delete(ctx, id); err != nil && !stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
		return errors.WrapTransient(err, "KVCatalog", "Remove", "delete "+id)
	}
	c.logger.Debug("File removed", "file_id", id)
	return nil
}
