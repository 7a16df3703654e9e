// Package eventbus decouples the orchestration engine from any particular
// transport: the engine publishes typed notifications, transports subscribe.
package eventbus

import (
	"sync"
	"time"

	"github.com/taskhive-ai/taskhive-engine/pkg/logging"
)

// NotificationType identifies an outbound engine notification.
type NotificationType string

const (
	JobUpdated            NotificationType = "JOB_UPDATED"
	TaskUpdated           NotificationType = "TASK_UPDATED"
	VerificationCompleted NotificationType = "VERIFICATION_COMPLETED"
	EconomicsUpdated      NotificationType = "ECONOMICS_UPDATED"
	RecoveryCompleted     NotificationType = "RECOVERY_COMPLETED"
)

// Notification carries one outbound engine event.
type Notification struct {
	Type NotificationType
	At   time.Time
	Data any
}

// Handler is a function that handles a notification.
type Handler func(Notification)

// Bus manages subscriptions and publications.
type Bus struct {
	handlers map[NotificationType][]Handler
	mu       sync.RWMutex
	logger   logging.Logger
}

// New creates a new Bus
func New(logger logging.Logger) *Bus {
	return &Bus{
		handlers: make(map[NotificationType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific notification type
func (b *Bus) Subscribe(nt NotificationType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[nt] = append(b.handlers[nt], handler)
	b.logger.Debug("Subscribed to notification type", "type", nt)
}

// Publish sends a notification to all subscribed handlers. Each handler runs
// in its own goroutine with panic recovery so a misbehaving transport can
// never stall the engine.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	handlers, exists := b.handlers[n.Type]
	if !exists {
		return
	}
	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Recovered from panic in notification handler", "type", n.Type, "panic", r)
				}
			}()
			h(n)
		}(handler)
	}
}
