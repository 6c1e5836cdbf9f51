package executor

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds named executors. It is created by the caller and injected
// where needed; there is no process-wide instance.
type Registry struct {
	mu        sync.Mutex
	executors map[string]*Executor
	metrics   *Metrics
}

// NewRegistry creates an empty registry whose executors share metrics.
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		executors: make(map[string]*Executor),
		metrics:   metrics,
	}
}

// GetOrCreate returns the executor registered under cfg.Name, creating it from
// cfg on first use. An existing executor is returned as-is even if cfg
// differs; call Reset first to reconfigure.
func (r *Registry) GetOrCreate(cfg Config) (*Executor, error) {
	name := cfg.Name
	if name == "" {
		name = "default"
		cfg.Name = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.executors[name]; ok {
		return e, nil
	}
	e, err := New(cfg, r.metrics)
	if err != nil {
		return nil, err
	}
	r.executors[name] = e
	zap.L().Debug("executor: registered",
		zap.String("executor", name),
		zap.String("strategy", string(cfg.Strategy)),
		zap.Int("concurrency_limit", cfg.ConcurrencyLimit),
	)
	return e, nil
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (*Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.executors[name]
	return e, ok
}

// Reset drops the executor registered under name. Unknown names are ignored.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, name)
}

// ResetAll drops every executor.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors = make(map[string]*Executor)
}

// Stats returns a snapshot of every registered executor, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	list := make([]*Executor, 0, len(r.executors))
	for _, e := range r.executors {
		list = append(list, e)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, e := range list {
		out = append(out, e.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
