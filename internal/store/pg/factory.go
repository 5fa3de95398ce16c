package pg

import (
	"fmt"

	"github.com/opsnomad/gatewayd/internal/store"
)

// NewPGSessionsStore opens a Postgres connection and returns the
// session/transcript backend alone; the cron subsystem stays file-backed
// regardless of the session storage driver (see DESIGN.md).
func NewPGSessionsStore(dsn string) (store.SessionStore, *PGSessionStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPGSessionStore(db)
	return s, s, nil
}
