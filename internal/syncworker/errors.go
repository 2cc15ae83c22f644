package syncworker

import "errors"

// ErrSyncDisabled is returned by SyncNow when syncing is turned off.
var ErrSyncDisabled = errors.New("syncworker: sync disabled")
