package schema

import "github.com/google/uuid"

// resolutionNamespace seeds the name-based IDs of resolution operations.
var resolutionNamespace = uuid.MustParse("7d0c6f62-3c1e-4b7a-9a55-1f1f0e8b7a10")

// NewOperationID returns a time-ordered UUIDv7.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewConflictID returns a random conflict ID.
func NewConflictID() string {
	return uuid.NewString()
}

// ResolutionOperationID derives the ID of the operation produced by resolving
// conflictID with strategy. The same inputs always give the same ID, which
// makes a repeated resolution a duplicate rather than a new write.
func ResolutionOperationID(conflictID string, strategy Strategy) string {
	return uuid.NewSHA1(resolutionNamespace, []byte(conflictID+"/"+string(strategy))).String()
}
