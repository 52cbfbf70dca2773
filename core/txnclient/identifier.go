package txnclient

import "github.com/google/uuid"

// newUUID mints a unique string component the same way
// core/replication/log_replication.BaseReplicationManager mints snapshot IDs
// and cmd/gojodb_controller mints shard-migration IDs.
func newUUID() string {
	return uuid.New().String()
}
