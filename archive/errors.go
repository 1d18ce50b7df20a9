package archive

import "github.com/pkg/errors"

var (
	// ErrNotFound means the attribute name does not resolve to a
	// configured (id, data type) pair.
	ErrNotFound = errors.New("attribute is not configured in the archive")

	// ErrUnprepared means the attribute's data type has no usable
	// prepared statement, either because preparation failed at startup or
	// because the type has no value converter.
	ErrUnprepared = errors.New("no prepared statement for data type")
)
