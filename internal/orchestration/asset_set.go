package orchestration

import (
	"sort"
	"sync"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// AssetSet is the run-wide set of discovered assets, deduplicated by
// normalized value. The first discovery of a value wins.
type AssetSet struct {
	mu     sync.RWMutex
	assets map[string]models.Asset
}

func NewAssetSet() *AssetSet {
	return &AssetSet{assets: make(map[string]models.Asset)}
}

// Add merges assets and returns only those not seen before, so each asset
// is handed to the vulnerability stage once per run.
func (s *AssetSet) Add(assets ...models.Asset) []models.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []models.Asset
	for _, a := range assets {
		key := a.Key()
		if key == "" {
			continue
		}
		if _, ok := s.assets[key]; ok {
			continue
		}
		a.Value = key
		s.assets[key] = a
		fresh = append(fresh, a)
	}
	return fresh
}

func (s *AssetSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// All returns the assets sorted by value.
func (s *AssetSet) All() []models.Asset {
	s.mu.RLock()
	out := make([]models.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
