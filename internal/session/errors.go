package session

import (
	"errors"

	"github.com/whisper/sessions/internal/store"
)

var (
	// ErrStoreUnavailable is returned when the store cannot be reached or a
	// call timed out. The operation can be retried.
	ErrStoreUnavailable = store.ErrStoreUnavailable

	// ErrConflict is returned when a save or delete kept losing to concurrent
	// writers of the same session.
	ErrConflict = store.ErrConflict

	// ErrCorruptRecord marks a stored session that could not be decoded. Reads
	// treat such sessions as absent.
	ErrCorruptRecord = errors.New("session: corrupt record")
)
