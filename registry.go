package main

import (
	"sync"

	"go.uber.org/zap"
)

// Registry tracks the live set of viewer connections and fans outbound
// events out to them. Delivery is best effort: a viewer that fails a send
// is pruned, never retried, and never blocks delivery to the others.
type Registry struct {
	mu      sync.Mutex
	viewers map[*client]struct{}
	metrics *Metrics
	logger  *zap.Logger
}

func NewRegistry(metrics *Metrics, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		viewers: make(map[*client]struct{}),
		metrics: metrics,
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register adds a viewer to the broadcast set.
func (r *Registry) Register(v *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewers[v] = struct{}{}
	r.metrics.ViewersConnected.Inc()
}

// Unregister removes a viewer. Idempotent: pruning and the viewer handler's
// own cleanup may race.
func (r *Registry) Unregister(v *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.viewers[v]; ok {
		delete(r.viewers, v)
		r.metrics.ViewersConnected.Dec()
	}
}

// Len returns the number of registered viewers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Broadcast delivers ev to every registered viewer. The membership lock is
// held only to snapshot the set, not while sending; failed viewers are
// removed afterwards.
func (r *Registry) Broadcast(ev Event) {
	r.metrics.BroadcastEvents.WithLabelValues(ev.Type).Inc()

	r.mu.Lock()
	snapshot := make([]*client, 0, len(r.viewers))
	for v := range r.viewers {
		snapshot = append(snapshot, v)
	}
	r.mu.Unlock()

	var stale []*client
	for _, v := range snapshot {
		if err := v.Send(ev); err != nil {
			stale = append(stale, v)
		}
	}

	for _, v := range stale {
		r.logger.Debug("pruning dead viewer", zap.String("conn", v.id))
		r.metrics.BroadcastDrops.Inc()
		r.Unregister(v)
		v.Close()
	}
}
