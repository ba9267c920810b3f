package ledger

import "errors"

var (
	// ErrNotFound wraps gorm's record-not-found for callers outside this package.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyResolved is returned when a terminal status write loses the
	// race against another resolution path. Exactly one writer wins.
	ErrAlreadyResolved = errors.New("flagged message already resolved")

	// ErrBadPattern is an input error: a malformed regex is rejected when the
	// rule is written, never at match time.
	ErrBadPattern = errors.New("invalid rule pattern")

	// ErrBadRule covers other write-time rule validation failures.
	ErrBadRule = errors.New("invalid rule")

	// ErrBadConfig covers out-of-range configuration values.
	ErrBadConfig = errors.New("invalid configuration value")
)
