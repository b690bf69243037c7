package channels

import (
	"strings"
	"testing"

	"github.com/basket/go-dispatch/internal/bus"
)

func TestRenderEvent(t *testing.T) {
	tests := []struct {
		name  string
		event bus.Event
		want  []string // substrings that must appear
	}{
		{
			name: "pr opened",
			event: bus.Event{Topic: bus.TopicTaskPROpened, Payload: bus.TaskResultEvent{
				TaskID: "t1", Summary: "fixed the race", PRURL: "https://git.example/pr/1",
			}},
			want: []string{"t1", "fixed the race", "https://git.example/pr/1"},
		},
		{
			name: "failure carries category and suggestion",
			event: bus.Event{Topic: bus.TopicTaskFailed, Payload: bus.TaskResultEvent{
				TaskID: "t2", ErrorCategory: "timeout",
				ErrorMessage: "sandbox execution exceeded 15m0s", ErrorSuggestion: "split the task",
			}},
			want: []string{"t2", "timeout", "exceeded 15m0s", "split the task"},
		},
		{
			name: "clarification includes answer hint",
			event: bus.Event{Topic: bus.TopicTaskClarification, Payload: bus.TaskResultEvent{
				TaskID: "t3", Summary: "monorepo or split?",
			}},
			want: []string{"t3", "monorepo or split?", "/answer t3"},
		},
		{
			name: "retry shows attempt and delay",
			event: bus.Event{Topic: bus.TopicTaskRetrying, Payload: bus.TaskRetryEvent{
				TaskID: "t4", Attempt: 2, DelayMs: 4000, Reason: "connection refused",
			}},
			want: []string{"t4", "attempt 2", "4000ms", "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderEvent(tt.event)
			for _, sub := range tt.want {
				if !strings.Contains(got, sub) {
					t.Errorf("rendered %q, missing %q", got, sub)
				}
			}
		})
	}
}

func TestRenderEventIgnoresUnknownOrMistyped(t *testing.T) {
	if got := RenderEvent(bus.Event{Topic: "task.state_changed", Payload: bus.TaskStateChangedEvent{}}); got != "" {
		t.Errorf("state changes should not notify, got %q", got)
	}
	if got := RenderEvent(bus.Event{Topic: bus.TopicTaskFailed, Payload: "not an event"}); got != "" {
		t.Errorf("mistyped payload should render nothing, got %q", got)
	}
}
