package events

import (
	"log/slog"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
)

// TopicImageAnalyzed is published once per successful analysis.
const TopicImageAnalyzed = "ollama_vision_image_analyzed"

type ImageAnalyzed struct {
	ID                string    `json:"id"`
	ImageName         string    `json:"image_name"`
	Description       string    `json:"description"`
	ImageURL          string    `json:"image_url"`
	InstanceID        string    `json:"instance_id"`
	UsedTextModel     bool      `json:"used_text_model"`
	VisionDescription string    `json:"vision_description,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Bus publishes domain events. Subscribers are fanned out from a single
// EventBus handler: EventBus unsubscribes by function pointer, and closures
// created by the same literal share one.
type Bus struct {
	bus    evbus.Bus
	logger *slog.Logger

	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(ImageAnalyzed)
}

func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		bus:    evbus.New(),
		logger: logger,
		subs:   make(map[uint64]func(ImageAnalyzed)),
	}
	if err := b.bus.Subscribe(TopicImageAnalyzed, b.dispatch); err != nil {
		logger.Error("failed to subscribe event dispatcher", "topic", TopicImageAnalyzed, "error", err)
	}
	return b
}

// Publish assigns an id and timestamp when missing and delivers ev to every
// subscriber synchronously.
func (b *Bus) Publish(ev ImageAnalyzed) ImageAnalyzed {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.bus.Publish(TopicImageAnalyzed, ev)
	b.logger.Debug("event published", "topic", TopicImageAnalyzed, "event_id", ev.ID, "image_name", ev.ImageName)
	return ev
}

// Subscribe registers fn and returns a func that removes it. fn runs on the
// publisher's goroutine and must not block.
func (b *Bus) Subscribe(fn func(ImageAnalyzed)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) dispatch(ev ImageAnalyzed) {
	b.mu.RLock()
	handlers := make([]func(ImageAnalyzed), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
