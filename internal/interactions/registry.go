// Package interactions maps inbox interaction types to the code that
// processes them.
package interactions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/angelmondragon/chatrelay/internal/dispatch"
	"github.com/angelmondragon/chatrelay/pkg/db/models"
	"github.com/angelmondragon/chatrelay/pkg/enums"
	"github.com/angelmondragon/chatrelay/pkg/retry"
)

var ErrNoHandler = errors.New("no interaction handler registered")

// Registry routes inbox records to the handler registered for their type.
type Registry struct {
	mtx      sync.RWMutex
	handlers map[enums.InteractionType]dispatch.InboxHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[enums.InteractionType]dispatch.InboxHandler)}
}

func (r *Registry) Register(interactionType enums.InteractionType, handler dispatch.InboxHandler) error {
	if !interactionType.IsValid() {
		return fmt.Errorf("invalid interaction type %q", interactionType)
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.handlers[interactionType] = handler
	return nil
}

// Types lists the registered interaction types; workers only poll these.
func (r *Registry) Types() []enums.InteractionType {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	types := make([]enums.InteractionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) Handle(ctx context.Context, record models.InboxRecord) error {
	r.mtx.RLock()
	handler, ok := r.handlers[record.InteractionType]
	r.mtx.RUnlock()
	if !ok {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, record.InteractionType))
	}
	return handler.Handle(ctx, record)
}
