package oracle

import (
	"sync"

	domain "github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

// assetState bundles everything the engine tracks for one asset. Every
// state transition happens under the per-asset mutex; reads take the
// read side so two assets never contend with each other and slow
// writers never block reads of other assets.
type assetState struct {
	mu sync.RWMutex

	record  domain.PriceRecord
	breaker domain.BreakerState
	conv    domain.ConvergenceState

	primary Source
	backup  Source
	feedID  string
}

func (st *assetState) sourceNames() domain.SourceConfig {
	cfg := domain.SourceConfig{FeedID: st.feedID}
	if st.primary != nil {
		cfg.Primary = st.primary.Name()
	}
	if st.backup != nil {
		cfg.Backup = st.backup.Name()
	}
	return cfg
}

// priceStore owns the asset registry. The registry lock is held only
// long enough to look up or insert an entry, never across a per-asset
// transition.
type priceStore struct {
	mu     sync.RWMutex
	assets map[string]*assetState
}

func newPriceStore() *priceStore {
	return &priceStore{assets: make(map[string]*assetState)}
}

func (p *priceStore) lookup(asset string) (*assetState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.assets[asset]
	return st, ok
}

func (p *priceStore) ensure(asset string) *assetState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.assets[asset]
	if !ok {
		st = &assetState{record: domain.PriceRecord{Asset: asset}}
		p.assets[asset] = st
	}
	return st
}

func (p *priceStore) list() []*assetState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*assetState, 0, len(p.assets))
	for _, st := range p.assets {
		out = append(out, st)
	}
	return out
}
