package lmeta

import (
	"sort"

	"github.com/ValentinKolb/dMap/lib/config"
	"github.com/ValentinKolb/dMap/lib/metastore"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	maps *xsync.MapOf[string, config.MapConfig]
}

// NewLocalMetaStore creates a registry that lives in this process only.
// Nodes of an embedded cluster may share one instance.
func NewLocalMetaStore() metastore.IMetaStore {
	return &storeImpl{maps: xsync.NewMapOf[string, config.MapConfig]()}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see metastore.IMetaStore)
// --------------------------------------------------------------------------

func (s *storeImpl) PutMap(cfg config.MapConfig) error {
	cfg, err := metastore.Prepare(cfg)
	if err != nil {
		return err
	}
	s.maps.Store(cfg.Name, cfg)
	return nil
}

func (s *storeImpl) GetMap(name string) (config.MapConfig, bool, error) {
	cfg, ok := s.maps.Load(name)
	return cfg, ok, nil
}

func (s *storeImpl) ListMaps() ([]config.MapConfig, error) {
	out := make([]config.MapConfig, 0, s.maps.Size())
	s.maps.Range(func(_ string, cfg config.MapConfig) bool {
		out = append(out, cfg)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *storeImpl) DeleteMap(name string) (bool, error) {
	_, ok := s.maps.LoadAndDelete(name)
	return ok, nil
}
