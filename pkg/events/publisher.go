/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/webportal/mailqueue/pkg/mail"
	"github.com/webportal/mailqueue/pkg/metrics"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// QueueSize is the size of the async event queue.
	// Default: 1000
	QueueSize int

	// WorkerCount is the number of workers draining the queue.
	// Default: 2
	WorkerCount int

	// WriteTimeout bounds each write to the underlying sink.
	// Default: 5s
	WriteTimeout time.Duration

	// CircuitBreakerThreshold is the number of consecutive failures before
	// events are dropped without trying the sink.
	// Default: 5
	CircuitBreakerThreshold int

	// CircuitBreakerResetTime is how long the circuit stays open.
	// Default: 30s
	CircuitBreakerResetTime time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerResetTime <= 0 {
		c.CircuitBreakerResetTime = 30 * time.Second
	}
	return c
}

// PublisherHealth is a snapshot of the publisher state.
type PublisherHealth struct {
	Sink             string    `json:"sink"`
	Healthy          bool      `json:"healthy"`
	QueueLength      int       `json:"queueLength"`
	QueueCapacity    int       `json:"queueCapacity"`
	DroppedEvents    int64     `json:"droppedEvents"`
	PublishedEvents  int64     `json:"publishedEvents"`
	FailedEvents     int64     `json:"failedEvents"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	CircuitOpen      bool      `json:"circuitOpen"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitempty"`
}

// Publisher turns dispatcher outcomes into events and hands them to a sink from
// its own workers. OnOutcome never blocks: when the queue is full or the
// circuit is open the event is dropped and counted.
type Publisher struct {
	sink   Sink
	queue  chan *Event
	config PublisherConfig
	logger *zap.Logger

	droppedEvents   atomic.Int64
	publishedEvents atomic.Int64
	failedEvents    atomic.Int64

	consecutiveFails atomic.Int32
	circuitOpen      atomic.Bool
	openedAt         atomic.Int64 // unix nanos

	mu            sync.RWMutex
	lastError     string
	lastErrorTime time.Time

	// closeMu guards sends on queue against close.
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

var _ mail.OutcomeHook = (*Publisher)(nil)

// NewPublisher starts the workers of a publisher writing to sink.
func NewPublisher(sink Sink, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	cfg = cfg.withDefaults()
	p := &Publisher{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		config: cfg,
		logger: logger.Named("publisher").With(zap.String("sink", sink.Name())),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.processQueue(i)
	}

	p.logger.Info("event publisher started",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("write_timeout", cfg.WriteTimeout))
	return p
}

// OnOutcome implements mail.OutcomeHook.
func (p *Publisher) OnOutcome(_ context.Context, o mail.Outcome) error {
	p.Publish(NewEvent(o))
	return nil
}

// Publish enqueues an event for async delivery.
func (p *Publisher) Publish(event *Event) {
	if p.circuitOpen.Load() {
		if time.Since(time.Unix(0, p.openedAt.Load())) < p.config.CircuitBreakerResetTime {
			p.drop(event, "circuit_open")
			return
		}
		if p.circuitOpen.CompareAndSwap(true, false) {
			p.consecutiveFails.Store(0)
			p.logger.Info("closing circuit breaker, retrying sink")
		}
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		p.drop(event, "closed")
		return
	}

	select {
	case p.queue <- event:
	default:
		p.drop(event, "queue_full")
	}
}

func (p *Publisher) drop(event *Event, reason string) {
	p.droppedEvents.Add(1)
	metrics.EventsDropped.WithLabelValues(p.sink.Name(), reason).Inc()
	p.logger.Debug("delivery event dropped",
		zap.String("reason", reason),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))
}

func (p *Publisher) processQueue(workerID int) {
	defer p.wg.Done()

	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.WriteTimeout)
		err := p.sink.Write(ctx, event)
		cancel()

		if err == nil {
			p.publishedEvents.Add(1)
			p.consecutiveFails.Store(0)
			metrics.EventsPublished.WithLabelValues(p.sink.Name()).Inc()
			continue
		}

		p.failedEvents.Add(1)
		fails := p.consecutiveFails.Add(1)
		metrics.EventSinkErrors.WithLabelValues(p.sink.Name(), "write").Inc()

		p.mu.Lock()
		p.lastError = err.Error()
		p.lastErrorTime = time.Now()
		p.mu.Unlock()

		p.logger.Warn("failed to publish delivery event",
			zap.Int("worker", workerID),
			zap.String("event_id", event.ID),
			zap.String("error", err.Error()),
			zap.Int32("consecutive_fails", fails))

		if int(fails) >= p.config.CircuitBreakerThreshold && !p.circuitOpen.Load() {
			p.openedAt.Store(time.Now().UnixNano())
			if p.circuitOpen.CompareAndSwap(false, true) {
				p.logger.Warn("circuit breaker opened for event sink",
					zap.Int32("consecutive_fails", fails))
			}
		}
	}
}

// Health returns the current state of the publisher.
func (p *Publisher) Health() PublisherHealth {
	p.mu.RLock()
	lastError := p.lastError
	lastErrorTime := p.lastErrorTime
	p.mu.RUnlock()

	queueLen := len(p.queue)
	queueCap := cap(p.queue)
	circuitOpen := p.circuitOpen.Load()

	return PublisherHealth{
		Sink:             p.sink.Name(),
		Healthy:          !circuitOpen && float64(queueLen) < float64(queueCap)*0.8,
		QueueLength:      queueLen,
		QueueCapacity:    queueCap,
		DroppedEvents:    p.droppedEvents.Load(),
		PublishedEvents:  p.publishedEvents.Load(),
		FailedEvents:     p.failedEvents.Load(),
		ConsecutiveFails: int(p.consecutiveFails.Load()),
		CircuitOpen:      circuitOpen,
		LastError:        lastError,
		LastErrorTime:    lastErrorTime,
	}
}

// Close stops accepting events, drains the queue and closes the sink.
func (p *Publisher) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
	return p.sink.Close()
}
