// Package session implements the unit of work over a store.Store.
//
// A Factory is built once per process around a store and handed to whoever
// needs sessions. Each Session wraps one transaction, keeps an identity map of
// the guides it has loaded (attached guides) and the row locks it requested,
// and releases both unconditionally when it ends.
package session

import (
	"log/slog"

	"github.com/kartikbazzad/bunbase/bunlock/internal/logger"
	"github.com/kartikbazzad/bunbase/bunlock/internal/store"
)

// Factory opens sessions against one store.
type Factory struct {
	store store.Store
	log   *slog.Logger
}

type Option func(*Factory)

// WithLogger sets the logger sessions inherit. Defaults to logger.Get().
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.log = l }
}

func NewFactory(st store.Store, opts ...Option) *Factory {
	f := &Factory{store: st}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logger.Get()
	}
	return f
}

// Store returns the store the factory opens transactions on.
func (f *Factory) Store() store.Store {
	return f.store
}

// Open returns a new session in the Open state. Call Begin before any data operation.
func (f *Factory) Open() *Session {
	return newSession(f)
}

// Close closes the underlying store.
func (f *Factory) Close() error {
	return f.store.Close()
}
