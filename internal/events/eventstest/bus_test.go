package eventstest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alfredjeanlab/runstream/internal/events"
)

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	all, cancelAll, err := bus.Subscribe("runstream.>")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelAll()
	finished, cancelFinished, err := bus.Subscribe(events.TopicRunFinished)
	if err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(context.Background(), events.TopicRunStarted, events.RunStarted{}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(context.Background(), events.TopicRunFinished, events.RunFinished{Duration: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}

	if n := len(all); n != 2 {
		t.Errorf("wildcard subscriber got %d messages, want 2", n)
	}
	if n := len(finished); n != 1 {
		t.Fatalf("exact subscriber got %d messages, want 1", n)
	}
	var got events.RunFinished
	if err := json.Unmarshal(<-finished, &got); err != nil {
		t.Fatal(err)
	}
	if got.Duration != 2*time.Second {
		t.Errorf("Duration = %v", got.Duration)
	}

	cancelFinished()
	cancelFinished()
	if _, ok := <-finished; ok {
		t.Error("channel open after cancel")
	}
}

func TestMatchSubject(t *testing.T) {
	for _, tc := range []struct {
		pattern, subject string
		want             bool
	}{
		{"runstream.run.created", "runstream.run.created", true},
		{"runstream.run.*", "runstream.run.created", true},
		{"runstream.*", "runstream.run.created", false},
		{"runstream.>", "runstream.run.created", true},
		{"runstream.>", "runstream", false},
		{"runstream.run.*", "runstream.broadcast", false},
		{"*.broadcast", "runstream.broadcast", true},
	} {
		if got := MatchSubject(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}
