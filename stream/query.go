package stream

import (
	"encoding/json"
	"strings"

	"github.com/azrael3199/gis-tool-dashboard/errors"
	"github.com/azrael3199/gis-tool-dashboard/pointstore"
)

// Query selects the points of one file inside one bounding box.
type Query struct {
	FileID      string                  `json:"fileId"`
	BoundingBox *pointstore.BoundingBox `json:"boundingBox"`
}

// Validate rejects queries before any store resources are allocated.
func (q Query) Validate() error {
	if strings.TrimSpace(q.FileID) == "" || q.BoundingBox == nil {
		return errors.WrapInvalid(errors.ErrMissingParameters, "Query", "Validate", "check fileId and boundingBox")
	}
	return q.BoundingBox.Validate()
}

// ParseQuery decodes and validates a JSON query body.
func ParseQuery(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, errors.WrapInvalid(errors.ErrParsingFailed, "Query", "Parse", err.Error())
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}
