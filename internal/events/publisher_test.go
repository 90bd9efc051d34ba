package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/langchou/parkgate/internal/models"
)

type recordingPublisher struct {
	events []models.LogEvent
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev models.LogEvent) error {
	r.events = append(r.events, ev)
	return r.err
}

type recordingHub struct {
	types []string
	data  []interface{}
}

func (h *recordingHub) BroadcastMessage(msgType string, data interface{}) {
	h.types = append(h.types, msgType)
	h.data = append(h.data, data)
}

func TestFanoutContinuesAfterFailure(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}

	f := NewFanout(zap.NewNop(), nil).Add("amqp", failing).Add("ws", ok)
	err := f.Publish(context.Background(), models.LogEvent{Type: models.EventEntryRecorded})

	assert.ErrorContains(t, err, "broker down")
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
}

func TestFanoutNoSinks(t *testing.T) {
	f := NewFanout(zap.NewNop(), nil)
	assert.NoError(t, f.Publish(context.Background(), models.LogEvent{}))
}

func TestWSPublisherUsesEventType(t *testing.T) {
	hub := &recordingHub{}
	p := NewWSPublisher(hub)

	ev := models.LogEvent{Type: models.EventExitCompleted, Log: &models.ParkingLog{ID: "1"}}
	assert.NoError(t, p.Publish(context.Background(), ev))

	assert.Equal(t, []string{"exit_completed"}, hub.types)
	assert.Equal(t, ev, hub.data[0])
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), models.LogEvent{}))
}
