package gate

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one breaker per operation name, created lazily on first use.
type Registry struct {
	logger     *slog.Logger
	defaultCfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

// NewRegistry constructs a registry whose breakers default to cfg.
func NewRegistry(logger *slog.Logger, cfg Config) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		defaultCfg: cfg.withDefaults(),
		breakers:   make(map[string]*Breaker),
		configs:    make(map[string]Config),
	}
}

// Configure sets a per-operation config used when that breaker is first created.
func (r *Registry) Configure(op string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[op] = cfg.withDefaults()
}

// Execute runs action through the breaker registered for op.
func (r *Registry) Execute(ctx context.Context, op string, action func(context.Context) error) error {
	return r.breaker(op).Execute(ctx, action)
}

func (r *Registry) breaker(op string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[op]; ok {
		return b
	}
	cfg, ok := r.configs[op]
	if !ok {
		cfg = r.defaultCfg
	}
	b := newBreaker(op, cfg, r.logger)
	r.breakers[op] = b
	return b
}

// Snapshots returns a stable-ordered copy of every breaker's state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Op < snaps[j].Op })
	return snaps
}
