// Package db provides the storage driver factory.
package db

import (
	"github.com/pkg/errors"

	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/store"
	"github.com/fluxchat/flux/store/db/postgres"
	"github.com/fluxchat/flux/store/db/sqlite"
)

// NewDBDriver creates a new DB driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "sqlite":
		return sqlite.NewDB(profile)
	case "postgres":
		return postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
}
