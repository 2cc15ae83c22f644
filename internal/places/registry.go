package places

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Registry guarantees at most one live Broker per database identity.
//
// Entries are reference counted: every Resolve returns an owning *API and
// the entry is dropped, and its broker closed, when the last one is
// released. The registry lock covers only map bookkeeping; broker
// construction runs outside it, with concurrent first resolutions of one
// identity collapsed into a single construction.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	group   singleflight.Group
}

type entry struct {
	broker *Broker
	refs   int
}

// NewRegistry creates an empty registry whose brokers use opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
	}
}

// SetOptions changes the options used for brokers constructed afterwards.
// Live brokers keep the options they were built with.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
}

// API is an owning reference to a Broker.
//
// The embedded Broker's methods are available directly. Call Release when
// done; the broker is closed once every API for it has been released.
type API struct {
	*Broker
	registry *Registry
	released atomic.Bool
}

// Release gives up this reference. Further calls do nothing.
func (a *API) Release() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	a.registry.release(a.Broker)
}

// Resolve returns an owning reference to the broker for id, constructing it
// if no live broker exists.
//
// While any reference to a broker is held, every Resolve for the same
// identity returns that broker. The key is used only when a broker is
// constructed.
func (r *Registry) Resolve(ctx context.Context, id Identity, key string) (*API, error) {
	if !id.valid() {
		return nil, ErrInvalidIdentity
	}
	name := id.String()

	// Construction is shared with concurrent callers for the same identity,
	// so it must not end when this caller gives up.
	buildCtx := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if api := r.acquire(name, nil); api != nil {
			return api, nil
		}

		v, err, _ := r.group.Do(name, func() (any, error) {
			r.mu.Lock()
			if e, ok := r.entries[name]; ok {
				r.mu.Unlock()
				return e.broker, nil
			}
			opts := r.opts
			r.mu.Unlock()

			b, err := newBroker(buildCtx, id, key, opts)
			if err != nil {
				return nil, err
			}

			r.mu.Lock()
			r.entries[name] = &entry{broker: b}
			r.mu.Unlock()
			return b, nil
		})
		if err != nil {
			return nil, err
		}

		// The broker may have been released by every other holder between
		// construction and here; start over if so.
		if api := r.acquire(name, v.(*Broker)); api != nil {
			return api, nil
		}
	}
}

// Open resolves a file database through the registry.
func (r *Registry) Open(ctx context.Context, path, key string) (*API, error) {
	id, err := FileIdentity(path)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, id, key)
}

// OpenMemory resolves a shared memory database through the registry.
func (r *Registry) OpenMemory(ctx context.Context, name, key string) (*API, error) {
	return r.Resolve(ctx, MemoryIdentity(name), key)
}

// acquire takes a reference on the registered broker for name. When want is
// non-nil the registered broker must be that one.
func (r *Registry) acquire(name string, want *Broker) *API {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || (want != nil && e.broker != want) {
		return nil
	}
	e.refs++
	return &API{Broker: e.broker, registry: r}
}

func (r *Registry) release(b *Broker) {
	name := b.identity.String()

	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok || e.broker != b {
		r.mu.Unlock()
		return
	}
	e.refs--
	last := e.refs == 0
	if last {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if last {
		b.close()
	}
}

// Snapshot lists the live brokers ordered by identity.
func (r *Registry) Snapshot() []BrokerInfo {
	type live struct {
		broker *Broker
		refs   int
	}

	r.mu.Lock()
	brokers := make([]live, 0, len(r.entries))
	for _, e := range r.entries {
		brokers = append(brokers, live{broker: e.broker, refs: e.refs})
	}
	r.mu.Unlock()

	infos := make([]BrokerInfo, 0, len(brokers))
	for _, l := range brokers {
		infos = append(infos, l.broker.info(l.refs))
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	return NewRegistry(Options{})
})

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry()
}

// SetDefaultOptions configures brokers the default registry constructs
// from now on.
func SetDefaultOptions(opts Options) {
	Default().SetOptions(opts)
}

// Open returns a broker for the database file at path, creating the file
// if needed. key is the optional encryption secret.
func Open(ctx context.Context, path, key string) (*API, error) {
	return Default().Open(ctx, path, key)
}

// OpenMemory returns a broker for the shared memory database called name.
func OpenMemory(ctx context.Context, name, key string) (*API, error) {
	return Default().OpenMemory(ctx, name, key)
}
