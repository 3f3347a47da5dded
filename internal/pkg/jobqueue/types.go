package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind defines what a task does with its input.
type Kind string

const (
	KindProcessMedia Kind = "process_media"
	KindThumbnails   Kind = "thumbnails"
	KindMetadata     Kind = "metadata"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindProcessMedia, KindThumbnails, KindMetadata:
		return k, nil
	case "":
		return KindProcessMedia, nil
	}
	return "", fmt.Errorf("unknown task kind %q", s)
}

// Priority orders pending tasks; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Demote returns the next lower priority, never below Low.
func (p Priority) Demote() Priority {
	if p <= PriorityLow {
		return PriorityLow
	}
	return p - 1
}

func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == s {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status defines the state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed moves. Running back to Pending is the retry
// path only.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPending},
}

// CanTransition reports whether a task in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of background work.
type Task struct {
	ID          string                 `json:"id"`
	Kind        Kind                   `json:"kind"`
	Path        string                 `json:"path"`
	Options     map[string]interface{} `json:"options,omitempty"`
	Priority    Priority               `json:"priority"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	Result      interface{}            `json:"result,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`

	seq   uint64
	index int
}

// ErrInvalidTransition is returned when a status change is not in the table.
type ErrInvalidTransition struct {
	From, To Status
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid task transition %s -> %s", e.From, e.To)
}

func (t *Task) transition(to Status, now time.Time) error {
	if !t.Status.CanTransition(to) {
		return ErrInvalidTransition{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// IsRetryable checks if a failed run may be retried.
func (t *Task) IsRetryable() bool {
	return t.RetryCount < t.MaxRetries
}

// MarkAsRunning updates the task status to running
func (t *Task) MarkAsRunning(now time.Time) error {
	if err := t.transition(StatusRunning, now); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// MarkAsCompleted stores the result and finishes the task
func (t *Task) MarkAsCompleted(result interface{}, now time.Time) error {
	if err := t.transition(StatusCompleted, now); err != nil {
		return err
	}
	t.CompletedAt = &now
	t.Result = result
	t.ErrorMsg = ""
	return nil
}

// MarkAsFailed finishes the task with an error message
func (t *Task) MarkAsFailed(errorMsg string, now time.Time) error {
	if err := t.transition(StatusFailed, now); err != nil {
		return err
	}
	t.CompletedAt = &now
	t.ErrorMsg = errorMsg
	return nil
}

// MarkForRetry re-queues a running task one priority level lower.
func (t *Task) MarkForRetry(errorMsg string, now time.Time) error {
	if err := t.transition(StatusPending, now); err != nil {
		return err
	}
	t.RetryCount++
	t.Priority = t.Priority.Demote()
	t.StartedAt = nil
	t.ErrorMsg = errorMsg
	return nil
}

// MarkAsCancelled finishes a pending task without running it
func (t *Task) MarkAsCancelled(now time.Time) error {
	if err := t.transition(StatusCancelled, now); err != nil {
		return err
	}
	t.CompletedAt = &now
	return nil
}

func (t *Task) snapshot() Task {
	c := *t
	c.index = -1
	if t.Options != nil {
		c.Options = make(map[string]interface{}, len(t.Options))
		for k, v := range t.Options {
			c.Options[k] = v
		}
	}
	return c
}

// DecodeOptions unmarshals the task options into v through JSON, so any
// struct with json tags can be used as payload.
func (t *Task) DecodeOptions(v interface{}) error {
	if len(t.Options) == 0 {
		return nil
	}
	raw, err := json.Marshal(t.Options)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// EncodeOptions converts a payload struct into the options map.
func EncodeOptions(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
