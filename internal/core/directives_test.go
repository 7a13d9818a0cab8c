package core

import "testing"

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		kind   DirectiveKind
		target string
		text   string
	}{
		{name: "compact", body: "!compact wrapped up the parser work", kind: DirectiveCompact, text: "wrapped up the parser work"},
		{name: "compact channel", body: "!compact-channel phase one done", kind: DirectiveCompactChannel, text: "phase one done"},
		{name: "handoff", body: "!handoff @bob finish the migration", kind: DirectiveHandoff, target: "bob", text: "finish the migration"},
		{name: "stop", body: "/stop alice", kind: DirectiveStop, target: "alice"},
		{name: "stop with at", body: "/stop @alice", kind: DirectiveStop, target: "alice"},
		{name: "stop all", body: "/stop-all", kind: DirectiveStopAll},
		{name: "pause", body: "/pause bob", kind: DirectivePause, target: "bob"},
		{name: "resume", body: "/resume bob", kind: DirectiveResume, target: "bob"},
		{name: "timer", body: "/timer 1d 2h 3m", kind: DirectiveTimer, text: "1d 2h 3m"},
		{name: "timer cancel", body: "  /timer-cancel  ", kind: DirectiveTimerCancel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDirective(tt.body)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if d == nil {
				t.Fatalf("expected directive")
			}
			if d.Kind != tt.kind || d.Target != tt.target || d.Text != tt.text {
				t.Fatalf("unexpected directive: %+v", d)
			}
		})
	}
}

func TestParseDirectiveNotDirective(t *testing.T) {
	for _, body := range []string{"", "hello @bob", "!important note", "/usr/bin is a path", "please !compact later"} {
		d, err := ParseDirective(body)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", body, err)
		}
		if d != nil {
			t.Fatalf("expected no directive for %q, got %+v", body, d)
		}
	}
}

func TestParseDirectiveMalformed(t *testing.T) {
	for _, body := range []string{"!compact", "!handoff bob summary", "!handoff @bob", "/stop", "/stop a b", "/timer", "/timer soon", "/stop-all now"} {
		_, err := ParseDirective(body)
		if err == nil {
			t.Fatalf("expected error for %q", body)
		}
		if !IsValidation(err) {
			t.Fatalf("expected validation error for %q, got %v", body, err)
		}
	}
}
