package bot

import "errors"

var (
	// ErrAlreadyActive is returned when a store already has a starting or active runtime
	ErrAlreadyActive = errors.New("bot already active for store")
	// ErrInvalidCredential is returned for tokens that are not shaped like a bot token
	ErrInvalidCredential = errors.New("invalid bot credential")
	// ErrInvalidStoreID is returned for an empty store id
	ErrInvalidStoreID = errors.New("invalid store id")
	// ErrNotFound is returned when no runtime exists for the store
	ErrNotFound = errors.New("bot not found")
	// ErrNotReady is returned when a runtime failed live verification
	ErrNotReady = errors.New("bot not ready")
	// ErrStopped is returned when dispatching to a removed runtime
	ErrStopped = errors.New("bot stopped")
)
