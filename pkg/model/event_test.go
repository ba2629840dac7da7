package model

import "testing"

func TestFormatSSE(t *testing.T) {
	ev := &Event{ID: "3", Event: "log", Data: "hello"}
	want := "id: 3\nevent: log\ndata: hello\n\n"
	if got := ev.FormatSSE(); got != want {
		t.Errorf("FormatSSE = %q, want %q", got, want)
	}
}

func TestFormatSSEOmitsEmptyFields(t *testing.T) {
	ev := &Event{Data: "x"}
	want := "data: x\n\n"
	if got := ev.FormatSSE(); got != want {
		t.Errorf("FormatSSE = %q, want %q", got, want)
	}
}

func TestSSERoundTrip(t *testing.T) {
	cases := []Event{
		{ID: "1", Event: "log", Data: "line one"},
		{ID: "42", Event: "result", Data: `{"error":false}`},
		{Event: "control", Data: "exit"},
		{Data: "bare"},
		{ID: "1-0", Event: "log", Data: "line one\nline two"},
		{ID: "2-0", Event: "log", Data: "head\n\ntail after blank"},
	}
	for _, ev := range cases {
		got, err := FromSSE(ev.FormatSSE())
		if err != nil {
			t.Fatalf("FromSSE(%q): %v", ev.FormatSSE(), err)
		}
		if *got != ev {
			t.Errorf("round trip = %+v, want %+v", *got, ev)
		}
	}
}

func TestFormatSSEMultilineData(t *testing.T) {
	ev := &Event{ID: "7", Event: "log", Data: "out line 1\nout line 2"}
	want := "id: 7\nevent: log\ndata: out line 1\ndata: out line 2\n\n"
	if got := ev.FormatSSE(); got != want {
		t.Errorf("FormatSSE = %q, want %q", got, want)
	}
}

func TestFromSSERejectsMalformed(t *testing.T) {
	for _, frame := range []string{"", "id: 1\n\n", "garbage\n\n"} {
		if _, err := FromSSE(frame); err == nil {
			t.Errorf("FromSSE(%q) should fail", frame)
		}
	}
}

func TestIsExit(t *testing.T) {
	if !(&Event{Event: EventKindControl, Data: EventExitData}).IsExit() {
		t.Error("control/exit should be terminal")
	}
	if (&Event{Event: EventKindLog, Data: "exit"}).IsExit() {
		t.Error("log event is never terminal")
	}
}
