// Package catalog tracks the point files a server can stream: their ids,
// original filenames, upload dates and point counts.
//
// Three implementations share the Catalog interface. StoreCatalog derives
// the list from the point store itself and keeps filenames in memory.
// KVCatalog persists entries in a NATS JetStream key-value bucket so several
// servers over one store see the same catalog. Cached fronts either one with
// a short-lived in-process cache for GET /files.
package catalog

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/azrael3199/gis-tool-dashboard/errors"
)

// FileInfo describes one uploaded point file.
type FileInfo struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	UploadDate time.Time `json:"uploadDate"`
	Points     int64     `json:"points"`
}

// Catalog lists and registers files.
type Catalog interface {
	// List returns all files ordered by upload date, oldest first.
	List(ctx context.Context) ([]FileInfo, error)
	// Get returns one file or an error wrapping errors.ErrKeyNotFound.
	Get(ctx context.Context, id string) (FileInfo, error)
	// Register adds a file; registering an existing id is invalid.
	Register(ctx context.Context, info FileInfo) error
	// AddPoints grows the point count of a registered file.
	AddPoints(ctx context.Context, id string, n int64) error
	// Remove forgets a file. Removing an unknown id is a no-op.
	Remove(ctx context.Context, id string) error
}

// NATS KV keys allow this alphabet; uuids fit it.
var validID = regexp.MustCompile(`^[A-Za-z0-9_=-]{1,128}$`)

// ValidateID rejects ids that cannot be used as catalog keys.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return errors.WrapInvalid(errors.ErrInvalidData, "Catalog", "ValidateID", "file id "+id)
	}
	return nil
}

func validate(info FileInfo) error {
	if err := ValidateID(info.ID); err != nil {
		return err
	}
	if info.Points < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Catalog", "Register", "negative point count")
	}
	return nil
}

func sortFiles(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].UploadDate.Equal(files[j].UploadDate) {
			return files[i].UploadDate.Before(files[j].UploadDate)
		}
		return files[i].ID < files[j].ID
	})
}

func notFound(method, id string) error {
	return errors.WrapInvalid(errors.ErrKeyNotFound, "Catalog", method, "file "+id)
}
