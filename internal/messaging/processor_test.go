package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcglibraries/internal/platform/logger"
)

type fakeDelivery struct {
	env    Envelope
	acked  bool
	nacked bool
}

func (d *fakeDelivery) Envelope() Envelope { return d.env }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(context.Context) error {
	d.nacked = true
	return nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

func newTestProcessor(t *testing.T, dl Publisher, h HandlerFunc) *Processor {
	t.Helper()
	r, err := NewRouter(Route{Subject: "Known", Handler: h})
	require.NoError(t, err)
	return NewProcessor("Libraries", nil, r, dl, logger.Nop(), ProcessorOptions{MaxDeliveries: 3})
}

func TestProcessorSettlesDeliveries(t *testing.T) {
	transient := errors.New("projection row missing")

	tests := []struct {
		name       string
		subject    string
		attempt    int
		handlerErr error
		panics     bool
		want       Outcome
		wantAck    bool
		wantDL     bool
	}{
		{name: "success acks", subject: "Known", attempt: 1, want: OutcomeHandled, wantAck: true},
		{name: "unknown subject acks", subject: "Other", attempt: 1, want: OutcomeSkipped, wantAck: true},
		{name: "transient nacks", subject: "Known", attempt: 1, handlerErr: transient, want: OutcomeRetry},
		{name: "transient at limit dead-letters", subject: "Known", attempt: 3, handlerErr: transient, want: OutcomeDeadLettered, wantAck: true, wantDL: true},
		{name: "permanent dead-letters", subject: "Known", attempt: 1, handlerErr: Permanent(transient), want: OutcomeDeadLettered, wantAck: true, wantDL: true},
		{name: "panic dead-letters", subject: "Known", attempt: 1, panics: true, want: OutcomeDeadLettered, wantAck: true, wantDL: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := &recordingPublisher{}
			p := newTestProcessor(t, dl, func(context.Context, Envelope) error {
				if tt.panics {
					panic("boom")
				}
				return tt.handlerErr
			})
			d := &fakeDelivery{env: Envelope{ID: "m-1", Subject: tt.subject, Attempt: tt.attempt, CorrelationID: "c-1"}}

			got := p.Process(context.Background(), d)

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantAck, d.acked)
			assert.Equal(t, !tt.wantAck, d.nacked)
			if tt.wantDL {
				require.Len(t, dl.envs, 1)
				assert.Equal(t, "Libraries.deadletter", dl.envs[0].Topic)
				assert.Equal(t, "c-1", dl.envs[0].CorrelationID)
				assert.NotEmpty(t, dl.envs[0].Reason)
			} else {
				assert.Empty(t, dl.envs)
			}
		})
	}
}

func TestProcessorNacksWhenDeadLetterFails(t *testing.T) {
	dl := &recordingPublisher{err: errors.New("broker down")}
	p := newTestProcessor(t, dl, func(context.Context, Envelope) error {
		return Permanent(errors.New("rejected"))
	})
	d := &fakeDelivery{env: Envelope{Subject: "Known", Attempt: 1}}

	assert.Equal(t, OutcomeRetry, p.Process(context.Background(), d))
	assert.False(t, d.acked)
	assert.True(t, d.nacked)
}

func TestProcessorPollRedeliversUntilHandled(t *testing.T) {
	broker := NewMemoryBroker(0)
	ctx := context.Background()
	src := broker.Source("Libraries", "libraries")

	failures := 2
	var mu sync.Mutex
	handled := 0
	r, err := NewRouter(Route{Subject: "Known", Handler: func(context.Context, Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("not yet")
		}
		handled++
		return nil
	}})
	require.NoError(t, err)
	p := NewProcessor("Libraries", src, r, broker, logger.Nop(), ProcessorOptions{MaxDeliveries: 5})

	require.NoError(t, broker.Publish(ctx, Envelope{Topic: "Libraries", Subject: "Known", Body: []byte(`{}`)}))

	for i := 0; i < 3; i++ {
		n, err := p.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 1, handled)
	assert.Zero(t, broker.Pending("Libraries", "libraries"))
	assert.Empty(t, broker.Published(DeadLetterTopic("Libraries")))
}
