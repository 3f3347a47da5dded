package jobqueue

import (
	"container/heap"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		demoted Priority
	}{
		{"low", PriorityLow, PriorityLow},
		{"normal", PriorityNormal, PriorityLow},
		{"High", PriorityHigh, PriorityNormal},
		{" urgent ", PriorityUrgent, PriorityHigh},
		{"", PriorityNormal, PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePriority(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.demoted, p.Demote())
		})
	}

	_, err := ParsePriority("asap")
	assert.Error(t, err)
	assert.Equal(t, "priority(9)", Priority(9).String())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("thumbnails")
	require.NoError(t, err)
	assert.Equal(t, KindThumbnails, k)

	k, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindProcessMedia, k)

	_, err = ParseKind("transcode")
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, true},
		{StatusRunning, StatusCancelled, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestTaskLifecycle(t *testing.T) {
	now := time.Now()
	task := &Task{Status: StatusPending, Priority: PriorityHigh, MaxRetries: 1}

	require.NoError(t, task.MarkAsRunning(now))
	require.NotNil(t, task.StartedAt)

	require.NoError(t, task.MarkForRetry("transient", now))
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, 1, task.RetryCount)
	assert.Nil(t, task.StartedAt)
	assert.False(t, task.IsRetryable())

	require.NoError(t, task.MarkAsRunning(now))
	require.NoError(t, task.MarkAsCompleted("ok", now))
	assert.Equal(t, "ok", task.Result)
	assert.Empty(t, task.ErrorMsg)

	err := task.MarkAsRunning(now)
	var invalid ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusCompleted, invalid.From)
}

func TestTaskHeapOrder(t *testing.T) {
	h := &taskHeap{}
	push := func(id string, p Priority, seq uint64) {
		heap.Push(h, &Task{ID: id, Priority: p, seq: seq})
	}
	push("n1", PriorityNormal, 1)
	push("l1", PriorityLow, 2)
	push("n2", PriorityNormal, 3)
	push("u1", PriorityUrgent, 4)
	push("h1", PriorityHigh, 5)

	var order []string
	for h.Len() > 0 {
		order = append(order, heap.Pop(h).(*Task).ID)
	}
	assert.Equal(t, []string{"u1", "h1", "n1", "n2", "l1"}, order)
}

func TestTaskOptionsRoundTrip(t *testing.T) {
	type payload struct {
		Quality int    `json:"quality"`
		Format  string `json:"format"`
	}
	opts, err := EncodeOptions(payload{Quality: 70, Format: "webp"})
	require.NoError(t, err)

	task := Task{Options: opts}
	var got payload
	require.NoError(t, task.DecodeOptions(&got))
	assert.Equal(t, payload{Quality: 70, Format: "webp"}, got)

	raw, err := json.Marshal(Task{ID: "x", Priority: PriorityUrgent, Status: StatusPending})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"priority":"urgent"`)
}
