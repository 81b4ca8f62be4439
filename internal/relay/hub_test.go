package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_JoinAndDispatch(t *testing.T) {
	h := NewHub()
	ch := h.Join("insp-1")
	assert.Equal(t, 1, h.Subscribers("insp-1"))

	env := Envelope{Room: "insp-1", Event: "job.queued", Payload: json.RawMessage(`{"job_id":"j1"}`)}
	h.Dispatch(env)

	got := <-ch
	assert.Equal(t, env, got)
}

func TestHub_RoomIsolation(t *testing.T) {
	h := NewHub()
	a := h.Join("insp-a")
	b := h.Join("insp-b")

	h.Dispatch(Envelope{Room: "insp-a", Event: "job.created"})

	got := <-a
	assert.Equal(t, "job.created", got.Event)

	select {
	case env := <-b:
		t.Fatalf("unexpected envelope on other room: %+v", env)
	default:
	}
}

func TestHub_Leave(t *testing.T) {
	h := NewHub()
	ch := h.Join("insp-1")
	h.Leave("insp-1", ch)

	assert.Equal(t, 0, h.Subscribers("insp-1"))

	// Channel is closed on leave.
	_, open := <-ch
	assert.False(t, open)

	// Leaving twice is harmless.
	h.Leave("insp-1", ch)
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub()
	ch := h.Join("insp-1")

	// Overfill the buffer; the overflow is dropped, never blocks.
	for i := 0; i < 32; i++ {
		h.Dispatch(Envelope{Room: "insp-1", Event: "job.progress"})
	}

	assert.Len(t, ch, 16)
}

func TestHub_MultipleSubscribersSameRoom(t *testing.T) {
	h := NewHub()
	a := h.Join("insp-1")
	b := h.Join("insp-1")

	h.Dispatch(Envelope{Room: "insp-1", Event: "job.completed"})

	assert.Equal(t, "job.completed", (<-a).Event)
	assert.Equal(t, "job.completed", (<-b).Event)
}

func TestMemoryRelay_EmitAndSubscribe(t *testing.T) {
	r := NewMemoryRelay()

	var got []Envelope
	require.NoError(t, r.Subscribe(context.Background(), func(env Envelope) {
		got = append(got, env)
	}))

	require.NoError(t, r.Emit(context.Background(), "insp-1", "job.created", map[string]string{"job_id": "j1"}))

	require.Len(t, got, 1)
	assert.Equal(t, "insp-1", got[0].Room)
	assert.Equal(t, "job.created", got[0].Event)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(got[0].Payload))
}

func TestMemoryRelay_Closed(t *testing.T) {
	r := NewMemoryRelay()
	require.NoError(t, r.Close())

	assert.Error(t, r.Emit(context.Background(), "insp-1", "job.created", nil))
	assert.Error(t, r.Subscribe(context.Background(), func(Envelope) {}))
}

func TestMemoryRelay_FeedsHub(t *testing.T) {
	r := NewMemoryRelay()
	h := NewHub()
	require.NoError(t, r.Subscribe(context.Background(), h.Dispatch))

	ch := h.Join("insp-1")
	require.NoError(t, r.Emit(context.Background(), "insp-1", "job.progress", map[string]int{"progress": 50}))

	env := <-ch
	assert.Equal(t, "job.progress", env.Event)
}
