package spider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/diskcache"
)

// ErrDownloadHeld is returned when download mode is acquired for a gallery
// that already has a download handle.
var ErrDownloadHeld = errors.New("download mode already held")

// Factory builds an unstarted coordinator for a gallery.
type Factory func(g gallerycache.Gallery) (*Coordinator, error)

// Registry shares one coordinator per gallery id between consumers.
type Registry struct {
	factory   Factory
	infoCache *diskcache.Cache
	logger    *slog.Logger

	mu       sync.Mutex
	live     map[int64]*Coordinator
	stopping map[int64]*Coordinator
	closed   bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryInfoCache sets the fast local descriptor cache consulted by
// StartPage when no coordinator is live.
func WithRegistryInfoCache(cache *diskcache.Cache) RegistryOption {
	return func(r *Registry) {
		r.infoCache = cache
	}
}

// NewRegistry returns an empty registry building coordinators with factory.
func NewRegistry(factory Factory, opts ...RegistryOption) *Registry {
	r := &Registry{
		factory:  factory,
		logger:   slog.Default(),
		live:     make(map[int64]*Coordinator),
		stopping: make(map[int64]*Coordinator),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is one consumer's reference to a coordinator in a mode.
type Handle struct {
	r    *Registry
	c    *Coordinator
	mode gallerycache.Mode
	once sync.Once
}

// Coordinator returns the shared coordinator.
func (h *Handle) Coordinator() *Coordinator {
	return h.c
}

// Mode returns the mode the handle was acquired in.
func (h *Handle) Mode() gallerycache.Mode {
	return h.mode
}

// Release drops the handle's reference. The coordinator stops once no
// handles remain. Release is idempotent.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.release(h.c, h.mode)
	})
}

// Acquire returns a handle to the coordinator of g in mode, creating and
// starting it if needed. A coordinator still stopping for g is waited for
// so its descriptor is persisted before a new one loads it.
func (r *Registry) Acquire(ctx context.Context, g gallerycache.Gallery, mode gallerycache.Mode) (*Handle, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, gallerycache.ErrStopped
		}
		if old, ok := r.stopping[g.ID]; ok {
			r.mu.Unlock()
			select {
			case <-old.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			r.mu.Lock()
			if r.stopping[g.ID] == old {
				delete(r.stopping, g.ID)
			}
			r.mu.Unlock()
			continue
		}

		c, ok := r.live[g.ID]
		if !ok {
			var err error
			c, err = r.factory(g)
			if err != nil {
				r.mu.Unlock()
				return nil, fmt.Errorf("creating coordinator for gallery %d: %w", g.ID, err)
			}
			r.live[g.ID] = c
			r.logger.Debug("created coordinator", "gid", g.ID)
		}
		if mode == gallerycache.ModeDownload && c.Mode() == gallerycache.ModeDownload {
			r.mu.Unlock()
			return nil, fmt.Errorf("gallery %d: %w", g.ID, ErrDownloadHeld)
		}
		c.acquire(mode)
		r.mu.Unlock()
		return &Handle{r: r, c: c, mode: mode}, nil
	}
}

func (r *Registry) release(c *Coordinator, mode gallerycache.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !c.release(mode) {
		return
	}
	gid := c.Gallery().ID
	if r.live[gid] == c {
		delete(r.live, gid)
	}
	r.stopping[gid] = c
	go func() {
		<-c.Done()
		r.mu.Lock()
		if r.stopping[gid] == c {
			delete(r.stopping, gid)
		}
		r.mu.Unlock()
	}()
}

// StartPage returns the saved reading position of gid, from a live
// coordinator when there is one, else from the fast local cache.
func (r *Registry) StartPage(ctx context.Context, gid int64) int {
	r.mu.Lock()
	c, ok := r.live[gid]
	r.mu.Unlock()
	if ok && c.info.Load() != nil {
		return c.StartPage()
	}
	if r.infoCache == nil {
		return 0
	}
	d, err := ReadCachedDescriptor(ctx, r.infoCache, gid)
	if err != nil {
		return 0
	}
	return d.StartPage()
}

// Live returns the number of running coordinators.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Shutdown stops every coordinator and waits for them to persist their
// descriptors. Acquire fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	all := make([]*Coordinator, 0, len(r.live)+len(r.stopping))
	for _, c := range r.stopping {
		all = append(all, c)
	}
	for gid, c := range r.live {
		all = append(all, c)
		r.stopping[gid] = c
		delete(r.live, gid)
	}
	r.mu.Unlock()

	for _, c := range all {
		c.Stop()
	}
	for _, c := range all {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
