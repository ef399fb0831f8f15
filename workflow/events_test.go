package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(2)
	for i := 0; i < 5; i++ {
		s.Emit(Event{Type: EventProgress, Attempt: i})
	}
	assert.Equal(t, int64(3), s.Dropped())

	first := <-s.Events()
	assert.Equal(t, 0, first.Attempt)

	s.Close()
	s.Close()
	s.Emit(Event{Type: EventProgress})

	var rest []Event
	for e := range s.Events() {
		rest = append(rest, e)
	}
	require.Len(t, rest, 1)
	assert.Equal(t, 1, rest[0].Attempt)
}

func TestChannelSinkDefaultBuffer(t *testing.T) {
	s := NewChannelSink(0)
	assert.Equal(t, 256, cap(s.ch))
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var got []EventType
	m := MultiSink{a, nil, b, FuncSink(func(e Event) { got = append(got, e.Type) })}
	m.Emit(Event{Type: EventRunStarted})
	m.Emit(Event{Type: EventRunCompleted})

	assert.Len(t, a.ofType(EventRunStarted), 1)
	assert.Len(t, b.ofType(EventRunCompleted), 1)
	assert.Equal(t, []EventType{EventRunStarted, EventRunCompleted}, got)
	NopSink{}.Emit(Event{})
}

func TestContextEmitStampsRun(t *testing.T) {
	rec := &recorder{}
	ec := NewExecutionContext("stamp", WithRunID("r1"), WithContextEvents(rec))
	ec.emit(Event{Type: EventNodeStarted, NodeID: "n"})

	got := rec.ofType(EventNodeStarted)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, "stamp", got[0].Workflow)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	sink := NewChannelSink(64)
	g := newTestGraph(t, "events", []Node{step("A", entry()), step("B")}, "A->B")
	sum, err := newTestEngine(t, g, WithEventSink(sink)).Run(t.Context())
	require.NoError(t, err)
	sink.Close()

	var seen []EventType
	for e := range sink.Events() {
		assert.Equal(t, sum.RunID, e.RunID)
		seen = append(seen, e.Type)
	}
	assert.Equal(t, []EventType{
		EventRunStarted,
		EventNodeStarted, EventProgress, EventNodeCompleted,
		EventNodeStarted, EventProgress, EventNodeCompleted,
		EventRunCompleted,
	}, seen)
}
