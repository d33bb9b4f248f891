package store

import "errors"

// ErrVersionConflict is returned by Update when the stored version no longer
// matches the version the caller read.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrDuplicateSource is returned by Insert when (connector_id, source_id)
// already exists.
var ErrDuplicateSource = errors.New("store: duplicate source")
