package metastore

import (
	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/cockroachdb/errors"
)

// ErrInvalidDefinition wraps every validation failure of PutMap.
var ErrInvalidDefinition = errors.New("invalid map definition")

// IMetaStore is the registry of map definitions.
type IMetaStore interface {
	// PutMap normalizes, validates and stores a definition, replacing an existing one.
	PutMap(cfg config.MapConfig) error
	// GetMap returns the definition of name. ok is false for undefined maps.
	GetMap(name string) (cfg config.MapConfig, ok bool, err error)
	// ListMaps returns all definitions sorted by name.
	ListMaps() ([]config.MapConfig, error)
	// DeleteMap removes a definition. Deleting an unknown map is not an error.
	DeleteMap(name string) (deleted bool, err error)
}

// Prepare normalizes and validates cfg the way every implementation must
// before storing it.
func Prepare(cfg config.MapConfig) (config.MapConfig, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(ErrInvalidDefinition, err.Error())
	}
	return cfg, nil
}
