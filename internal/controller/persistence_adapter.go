package controller

import (
	"errors"

	"github.com/wasmkernel/hostruntime/internal/bridge"
	"github.com/wasmkernel/hostruntime/internal/store"
)

// persistenceAdapter wraps a *store.Store to satisfy bridge.Persistence,
// translating store.ErrNotFound into bridge.ErrNotFound so the bridge's
// status-code mapping (spec.md §4.3 "2 = not-found") sees the sentinel
// it actually checks for.
type persistenceAdapter struct {
	store *store.Store
}

func (p *persistenceAdapter) Save(path string, data []byte, mode uint32) error {
	return p.store.Save(path, data, mode)
}

func (p *persistenceAdapter) Load(path string, dest []byte) (int, error) {
	n, err := p.store.Load(path, dest)
	if errors.Is(err, store.ErrNotFound) {
		return n, bridge.ErrNotFound
	}
	return n, err
}

func (p *persistenceAdapter) Delete(path string) error {
	err := p.store.Delete(path)
	if errors.Is(err, store.ErrNotFound) {
		return bridge.ErrNotFound
	}
	return err
}

func (p *persistenceAdapter) List(prefix string, dest []byte) (int, error) {
	return p.store.List(prefix, dest)
}
