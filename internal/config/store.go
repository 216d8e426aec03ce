package config

import (
	"log"
	"sync"
	"sync/atomic"
)

// Store hands out the current config snapshot and supports hot reloads.
// Current is lock-free; Reload re-reads the backing file, bumps the
// version, swaps the snapshot, and notifies subscribers.
type Store struct {
	path    string
	current atomic.Pointer[Config]

	mu   sync.Mutex // guards subs and reload serialization
	subs []func(*Config)
}

// NewStore loads the initial snapshot from path (or defaults if path is
// empty) and returns a ready store.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStaticStore wraps a fixed config, for tests and embedded use.
func NewStaticStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active snapshot. The returned value must not be
// mutated.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Subscribe registers a callback invoked with every new snapshot after a
// successful reload. Callbacks run synchronously inside Reload.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Reload re-reads the config file and swaps in the new snapshot. A parse
// or validation failure leaves the previous snapshot active.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	cfg.Version = s.Current().Version + 1
	s.current.Store(cfg)
	log.Printf("[config] reloaded snapshot version=%d", cfg.Version)

	for _, fn := range s.subs {
		fn(cfg)
	}
	return nil
}
