package messagepipeline_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/mqtt2coap/pkg/types"
	"github.com/rs/zerolog/log"
)

// ====================================================================================
// This file contains mocks for the interfaces defined in this package.
// ====================================================================================

// --- MockEventSource ---

// MockEventSource is a mock implementation of the EventSource interface.
// It is designed to be used in unit tests to simulate a broker connection.
type MockEventSource struct {
	eventChan  chan types.Event
	doneChan   chan struct{}
	stopOnce   sync.Once
	startErr   error
	mu         sync.Mutex
	startCount int
	stopCount  int
}

// NewMockEventSource creates a new mock source with a buffered channel.
func NewMockEventSource(bufferSize int) *MockEventSource {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &MockEventSource{
		eventChan: make(chan types.Event, bufferSize),
		doneChan:  make(chan struct{}),
	}
}

func (m *MockEventSource) Events() <-chan types.Event {
	return m.eventChan
}

// Start simulates connecting and subscribing.
func (m *MockEventSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return m.startErr
}

// Stop closes the event and done channels.
func (m *MockEventSource) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopCount++
		m.mu.Unlock()
		close(m.doneChan)
		close(m.eventChan)
	})
	return nil
}

func (m *MockEventSource) Done() <-chan struct{} {
	return m.doneChan
}

// Push is a test helper to inject an event into the mock source's channel.
func (m *MockEventSource) Push(ev types.Event) {
	// A panic can occur if a test tries to push after Stop() has been called.
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Msg("Recovered from panic trying to push to closed source channel.")
		}
	}()
	m.eventChan <- ev
}

// SetStartError configures the mock to return an error on Start().
func (m *MockEventSource) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockEventSource) GetStartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

func (m *MockEventSource) GetStopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}

// --- recordingSink ---

// recordingSink records every measurement it is handed. deliverFunc, if set,
// decides the result of each delivery.
type recordingSink struct {
	name        string
	mu          sync.Mutex
	delivered   []types.Measurement
	deliverFunc func(ctx context.Context, m types.Measurement) error
}

func newRecordingSink(name string) *recordingSink {
	return &recordingSink{name: name}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, m types.Measurement) error {
	s.mu.Lock()
	fn := s.deliverFunc
	s.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, m)
	}
	if err == nil {
		s.mu.Lock()
		s.delivered = append(s.delivered, m)
		s.mu.Unlock()
	}
	return err
}

// Delivered returns a copy of the successfully delivered measurements.
func (s *recordingSink) Delivered() []types.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Measurement, len(s.delivered))
	copy(out, s.delivered)
	return out
}

// Values returns the delivered measurements as key -> value.
func (s *recordingSink) Values() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.delivered))
	for _, m := range s.delivered {
		out[m.Key] = m.Value
	}
	return out
}
