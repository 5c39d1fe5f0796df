package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsentlabs/unsent/go/internal/knot/events"
	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
)

func TestNewLifecycle(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	ev, err := NewLifecycle("room-1", events.TypeKnotEnded, events.KnotEndedPayload{
		RoomID: "room-1",
		Reason: events.ReasonUserLeft,
	}, at)
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())

	var payload events.KnotEndedPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, events.ReasonUserLeft, payload.Reason)
}

func TestSubjects(t *testing.T) {
	prefix := DefaultJetStreamConfig().SubjectPrefix
	assert.Equal(t, "knot.events.started", events.TypeKnotStarted.Subject(prefix))
	assert.Equal(t, "knot.events.ended", events.TypeKnotEnded.Subject(prefix))
	assert.Equal(t, "knot.events.waiting", events.TypeKnotWaiting.Subject(prefix))
}

func TestStreamConfigCoversSubjects(t *testing.T) {
	p := &JetStreamPublisher{config: DefaultJetStreamConfig()}
	sc := p.streamConfig()
	assert.Equal(t, []string{"knot.events.>"}, sc.Subjects)
	assert.True(t, isStreamConfigEqual(sc, sc))

	changed := sc
	changed.MaxAge = time.Hour
	assert.False(t, isStreamConfigEqual(sc, changed))

	resubjected := sc
	resubjected.Subjects = []string{"knot.other.>"}
	assert.False(t, isStreamConfigEqual(sc, resubjected))
	assert.Equal(t, jetstream.FileStorage, sc.Storage)
}

type failingPublisher struct{ Noop }

func (failingPublisher) Publish(context.Context, events.Lifecycle) error {
	return errors.New("nats unavailable")
}

func TestMetricPublisher(t *testing.T) {
	ok := metrics.EventsPublished.WithLabelValues(string(events.TypeKnotStarted), "success")
	failed := metrics.EventsPublished.WithLabelValues(string(events.TypeKnotStarted), "failure")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	ev := events.Lifecycle{ID: "1", Type: events.TypeKnotStarted}
	require.NoError(t, NewMetricPublisher(Noop{}).Publish(context.Background(), ev))
	require.Error(t, NewMetricPublisher(failingPublisher{}).Publish(context.Background(), ev))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}
