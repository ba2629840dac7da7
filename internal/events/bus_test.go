package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(substrate.NewMemory(), time.Hour, logger)
}

func TestChannelName(t *testing.T) {
	if got := ChannelName("abc1234567", "web.x1Y2"); got != "abc1234567.web.x1Y2" {
		t.Errorf("ChannelName = %q", got)
	}
	// Hostile components are sanitized.
	if got := ChannelName("../etc", "ex/1"); got != ".etc.ex1" {
		t.Errorf("ChannelName = %q", got)
	}
}

func TestPublishReadOrder(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()
	ch := ChannelName("p1", "e1")

	for _, line := range []string{"first", "second", "third"} {
		if _, err := bus.Publish(ctx, ch, &model.Event{Event: model.EventKindLog, Data: line}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	evs, err := bus.Read(ctx, ch, "", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("len = %d, want 3", len(evs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if evs[i].Data != want {
			t.Errorf("evs[%d].Data = %q, want %q", i, evs[i].Data, want)
		}
		if evs[i].ID == "" {
			t.Errorf("evs[%d] missing server-assigned id", i)
		}
	}
}

func TestReadAfterCursor(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()
	ch := ChannelName("p1", "e1")

	id1, _ := bus.Publish(ctx, ch, &model.Event{Data: "a"})
	bus.Publish(ctx, ch, &model.Event{Data: "b"})

	evs, err := bus.Read(ctx, ch, id1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(evs) != 1 || evs[0].Data != "b" {
		t.Errorf("Read after cursor = %+v", evs)
	}
}

func TestExitTerminatesStream(t *testing.T) {
	bus := testBus(t)
	ctx := context.Background()
	ch := ChannelName("p1", "e1")

	bus.Publish(ctx, ch, &model.Event{Event: model.EventKindResult, Data: "{}"})
	if err := bus.PublishExit(ctx, ch); err != nil {
		t.Fatalf("PublishExit: %v", err)
	}

	evs, _ := bus.Read(ctx, ch, "", 10*time.Millisecond)
	if len(evs) != 2 {
		t.Fatalf("len = %d, want 2", len(evs))
	}
	last := evs[len(evs)-1]
	if !last.IsExit() {
		t.Errorf("last event = %+v, want control/exit", last)
	}

	// Nothing arrives past the exit event.
	evs, err := bus.Read(ctx, ch, last.ID, 10*time.Millisecond)
	if err != nil || evs != nil {
		t.Errorf("Read past exit = %v, %v; want nil, nil", evs, err)
	}
}
