// Package events provides the domain event bus for the forecasting backend.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
	"github.com/atlas-desktop/forecast-backend/pkg/utils"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeMarketDataUpdated  EventType = "market_data_updated"
	EventTypeIngestionCompleted EventType = "ingestion_completed"
	EventTypeForecastCompleted  EventType = "forecast_completed"
	EventTypeMasterDataComputed EventType = "master_data_computed"
)

// Event is the base interface for all domain events.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetID() string           { return e.ID }

// NewBaseEvent creates a new base event with generated ID and timestamp.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        utils.GenerateID("evt"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// MarketDataUpdated is emitted after bars are merged into an instrument
// aggregate.
type MarketDataUpdated struct {
	BaseEvent
	Instrument types.Instrument `json:"instrument"`
	Added      int              `json:"added"`
	At         time.Time        `json:"at"`
}

// IngestionCompleted is emitted once per ingestion run.
type IngestionCompleted struct {
	BaseEvent
	ExecutionID string `json:"executionId"`
	Instruments int    `json:"instruments"`
	Succeeded   int    `json:"succeeded"`
}

// ForecastCompleted is emitted after each forecast computation.
type ForecastCompleted struct {
	BaseEvent
	Instrument   types.Instrument     `json:"instrument"`
	ForecastDate time.Time            `json:"forecastDate"`
	Status       types.ForecastStatus `json:"status"`
	ModelVersion string               `json:"modelVersion"`
}

// MasterDataComputed is emitted after a back-fill persists derived records.
type MasterDataComputed struct {
	BaseEvent
	Instrument types.Instrument `json:"instrument"`
	Records    int              `json:"records"`
}

// Handler processes events of a subscribed type.
type Handler func(Event)

// Bus is an in-process pub/sub bus with asynchronous delivery. Publish never
// blocks the producer; if the queue is full the event is counted as dropped.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[EventType][]Handler

	queue   chan Event
	wg      sync.WaitGroup
	running atomic.Bool
	stopCh  chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates a bus with the given queue capacity and worker count.
func NewBus(logger *zap.Logger, queueSize, workers int) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}
	b := &Bus{
		logger:   logger,
		handlers: make(map[EventType][]Handler),
		queue:    make(chan Event, queueSize),
		stopCh:   make(chan struct{}),
	}
	b.running.Store(true)
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues an event for asynchronous delivery.
func (b *Bus) Publish(e Event) {
	if !b.running.Load() {
		return
	}
	select {
	case b.queue <- e:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event queue full, dropping event",
			zap.String("type", string(e.GetType())))
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case e := <-b.queue:
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.GetType()]
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("type", string(e.GetType())),
						zap.Any("panic", r))
				}
			}()
			h(e)
		}()
	}
}

// Stop drains nothing and stops the workers.
func (b *Bus) Stop() {
	if !b.running.Swap(false) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
}

// Stats returns publish/drop counters.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
