package monitor

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/orthanc-relay/internal/orthanc"
	"github.com/ChuLiYu/orthanc-relay/pkg/types"
)

// HandlerFunc handles one change. It must be idempotent: a change may be
// delivered again after a restart.
type HandlerFunc func(ctx context.Context, sequenceID uint64, resourceID string, client orthanc.ResourceClient) error

// Registry maps change types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.ChangeType]HandlerFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.ChangeType]HandlerFunc)}
}

// Register sets the handler for a change type, replacing any previous one
func (r *Registry) Register(changeType types.ChangeType, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[changeType] = fn
}

// Lookup returns the handler for a change type
func (r *Registry) Lookup(changeType types.ChangeType) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[changeType]
	return fn, ok
}

// Types lists the registered change types, sorted
func (r *Registry) Types() []types.ChangeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ChangeType, 0, len(r.handlers))
	for ct := range r.handlers {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
