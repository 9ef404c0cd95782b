package config

import "sync/atomic"

// Holder is an atomically swappable configuration snapshot. Long-lived
// components keep a *Holder and call Load per decision, so a hot reload
// takes effect without restarting them.
type Holder struct {
	p atomic.Pointer[Config]
}

// NewHolder creates a holder seeded with the given snapshot.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.p.Store(&cfg)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() Config {
	return *h.p.Load()
}

// Store swaps in a new snapshot. Readers mid-decision keep the copy they
// already loaded; the next Load observes the new one.
func (h *Holder) Store(cfg Config) {
	h.p.Store(&cfg)
}
