package store

import "github.com/google/uuid"

// GenNewID mints a fresh random identifier for store records that need one
// (session agent UUIDs, run ids) without depending on a database sequence.
func GenNewID() uuid.UUID {
	return uuid.New()
}
