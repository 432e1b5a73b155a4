package source

import "errors"

// ErrUnattached is returned when a handle's source no longer exists.
// Querying an unattached source is a programming error, not a recoverable
// condition.
var ErrUnattached = errors.New("source: not attached to a stored source")

// ErrNoFetcher is returned when an api source is refreshed without a
// configured fetch collaborator.
var ErrNoFetcher = errors.New("source: no fetcher configured")
