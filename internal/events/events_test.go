package events

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: BuildProgress, Phase: "transform"})

	select {
	case received := <-ch:
		if received.Type != BuildProgress || received.Phase != "transform" {
			t.Errorf("unexpected event %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 1000; i++ {
		b.Publish(Event{Type: BuildProgress})
	}
	if len(ch) != cap(ch) {
		t.Errorf("expected full buffer, got %d/%d", len(ch), cap(ch))
	}
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestReporterPhasesExactlyOnce(t *testing.T) {
	b := NewBroadcaster()
	c := &collector{}
	detach := Attach(b, c.add)

	r := NewReporter(b)
	id := r.Begin()
	r.Phase("start")
	r.Phase("start")
	r.Phase("transform")
	r.Progress("transform", 1, 4)
	r.Phase("transform")
	r.Success("3 outputs")
	r.Success("again")
	r.Fail(errors.New("late"))

	detach()

	var phases []string
	var finals int
	for _, ev := range c.events {
		if ev.RunID != id {
			t.Errorf("event %+v has run id %q, want %q", ev, ev.RunID, id)
		}
		switch ev.Type {
		case BuildProgress:
			if ev.Percent == 0 {
				phases = append(phases, ev.Phase)
			} else if ev.Percent != 25 {
				t.Errorf("percent = %v, want 25", ev.Percent)
			}
		case BuildSuccess, BuildError:
			finals++
		}
	}
	if strings.Join(phases, ",") != "start,transform" {
		t.Errorf("phases = %v", phases)
	}
	if finals != 1 {
		t.Errorf("final events = %d, want 1", finals)
	}
	if c.events[0].Type != BuildStart {
		t.Errorf("first event = %v, want buildStart", c.events[0].Type)
	}
}

func TestReporterNewRunResetsPhases(t *testing.T) {
	b := NewBroadcaster()
	c := &collector{}
	detach := Attach(b, c.add)

	r := NewReporter(b)
	first := r.Begin()
	r.Phase("clean")
	second := r.Begin()
	r.Phase("clean")
	detach()

	if first == second {
		t.Fatal("runs should get distinct ids")
	}
	count := 0
	for _, ev := range c.events {
		if ev.Type == BuildProgress && ev.Phase == "clean" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("clean announced %d times across two runs, want 2", count)
	}
}

func TestNilReporter(t *testing.T) {
	var r *Reporter
	if r.Begin() == "" {
		t.Error("nil reporter should still hand out a run id")
	}
	r.Phase("start")
	r.Progress("transform", 1, 2)
	r.Success("")
	r.Fail(nil)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := LogSink(zap.New(core))

	sink(Event{Type: BuildStart, RunID: "r1"})
	sink(Event{Type: BuildProgress, RunID: "r1", Phase: "transform", Percent: 50})
	sink(Event{Type: BuildError, RunID: "r1", Message: "boom"})

	if logs.Len() != 3 {
		t.Fatalf("logged %d entries, want 3", logs.Len())
	}
	if got := logs.FilterMessage("build failed").Len(); got != 1 {
		t.Errorf("build failed entries = %d", got)
	}
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := ConsoleSink(&buf)

	sink(Event{Type: BuildStart})
	sink(Event{Type: BuildProgress, Phase: "post"})
	sink(Event{Type: BuildError, Message: "disk full"})

	out := buf.String()
	for _, want := range []string{"building", "post", "disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
}
