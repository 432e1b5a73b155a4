package tableau

import (
	"errors"

	"github.com/hazyhaar/tableau/internal/cursor"
	"github.com/hazyhaar/tableau/internal/source"
)

// ErrInit is returned by Open when the engine database cannot be opened
// or its schema cannot be applied. Fatal; there is no retry.
var ErrInit = errors.New("tableau: engine initialization failed")

// ErrDuplicateSource is returned when a source with the same name already
// exists.
var ErrDuplicateSource = errors.New("tableau: source with this name already exists")

// ErrInvalidInput is returned when source or query input fails validation.
var ErrInvalidInput = errors.New("tableau: invalid input")

// ErrQuotaExceeded is returned when a resource limit is reached.
var ErrQuotaExceeded = errors.New("tableau: quota exceeded")

// Programming errors from the inner layers, re-exported so callers can
// errors.Is-match without importing internal packages. Both fail fast and
// are not recoverable conditions.
var (
	// ErrCursorPending: a second Next was issued on a stream while one
	// was already pending.
	ErrCursorPending = cursor.ErrPending

	// ErrSourceUnattached: a query or handle was used against a source
	// that does not exist (or no longer exists).
	ErrSourceUnattached = source.ErrUnattached
)
