package chat

import (
	"github.com/juju/errors"
)

const (
	// ErrConflict marks an edit or delete refused because of the message's
	// state: already seen, already deleted, or an image body.
	ErrConflict = errors.ConstError("conflict")

	// ErrInfrastructure marks storage or transport failures.
	ErrInfrastructure = errors.ConstError("infrastructure failure")
)

func conflictf(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrConflict)
}

// storeError tags a gateway failure as infrastructure unless it is a
// NotFound, which callers handle as a domain error.
func storeError(err error, action string) error {
	if errors.Is(err, errors.NotFound) {
		return err
	}
	return errors.WithType(errors.Annotate(err, action), ErrInfrastructure)
}
