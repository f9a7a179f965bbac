package event

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func b64(s string) *string {
	enc := base64.StdEncoding.EncodeToString([]byte(s))
	return &enc
}

func intPtr(i int) *int {
	return &i
}

func strPtr(s string) *string {
	return &s
}

func TestDecode(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		event      Event
		wantChunks []string
		wantExit   *int
	}{
		{
			name:       "running with output",
			event:      Event{Output: b64("RUNNING\nline1\nline2")},
			wantChunks: []string{"line1\nline2"},
		},
		{
			name:       "done with exit code",
			event:      Event{Output: b64("DONE 0\nfoo"), ExitCode: intPtr(0)},
			wantChunks: []string{"foo"},
			wantExit:   intPtr(0),
		},
		{
			name:     "done without output",
			event:    Event{Output: b64("DONE 0\n"), ExitCode: intPtr(0)},
			wantExit: intPtr(0),
		},
		{
			name:       "only the first status line is stripped",
			event:      Event{Output: b64("RUNNING\nDONE 1\nRUNNING\n")},
			wantChunks: []string{"DONE 1\nRUNNING\n"},
		},
		{
			name:       "no status line keeps everything",
			event:      Event{Output: b64("hello\nworld\n")},
			wantChunks: []string{"hello\nworld\n"},
		},
		{
			name:       "status line match is a prefix match",
			event:      Event{Output: b64("DONE 127 extra\n\ttabbed  \r\n")},
			wantChunks: []string{"\ttabbed  \r\n"},
		},
		{
			name:       "lone status line without newline is kept",
			event:      Event{Output: b64("RUNNING")},
			wantChunks: []string{"RUNNING"},
		},
		{
			name:     "exit code without output",
			event:    Event{ExitCode: intPtr(3)},
			wantExit: intPtr(3),
		},
		{
			name:  "empty event",
			event: Event{},
		},
		{
			name:       "output that is not base64 is plain text",
			event:      Event{Output: strPtr("hello world"), ExitCode: intPtr(0)},
			wantChunks: []string{"hello world"},
			wantExit:   intPtr(0),
		},
		{
			name:       "plain text fallback still strips the status line",
			event:      Event{Output: strPtr("DONE 2\nboom!")},
			wantChunks: []string{"boom!"},
		},
		{
			name:       "undecodable output keeps the exit code",
			event:      Event{Output: strPtr("not base64!"), ExitCode: intPtr(1), Encoding: EncodingBase64},
			wantChunks: []string{"not base64!"},
			wantExit:   intPtr(1),
		},
		{
			name:       "unknown encoding keeps the exit code",
			event:      Event{Output: strPtr("x"), ExitCode: intPtr(0), Encoding: "gzip"},
			wantChunks: []string{"x"},
			wantExit:   intPtr(0),
		},
		{
			name:       "plain output is taken verbatim",
			event:      Event{Output: strPtr("RUNNING\nhi"), Encoding: EncodingPlain},
			wantChunks: []string{"RUNNING\nhi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.event, at)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if len(got.Chunks) != len(tt.wantChunks) {
				t.Fatalf("Decode() chunks = %d, want %d", len(got.Chunks), len(tt.wantChunks))
			}
			for i, chunk := range got.Chunks {
				if chunk.Output != tt.wantChunks[i] {
					t.Errorf("chunk[%d] = %q, want %q", i, chunk.Output, tt.wantChunks[i])
				}
				if chunk.Stream != StreamStdout {
					t.Errorf("chunk[%d] stream = %q, want %q", i, chunk.Stream, StreamStdout)
				}
				if chunk.Timestamp != float64(at.Unix()) {
					t.Errorf("chunk[%d] timestamp = %v, want %v", i, chunk.Timestamp, float64(at.Unix()))
				}
			}

			switch {
			case tt.wantExit == nil && got.ExitCode != nil:
				t.Errorf("Decode() exit code = %d, want none", *got.ExitCode)
			case tt.wantExit != nil && got.ExitCode == nil:
				t.Errorf("Decode() exit code = none, want %d", *tt.wantExit)
			case tt.wantExit != nil && *got.ExitCode != *tt.wantExit:
				t.Errorf("Decode() exit code = %d, want %d", *got.ExitCode, *tt.wantExit)
			}
			if got.Terminal() != (tt.wantExit != nil) {
				t.Errorf("Terminal() = %v, want %v", got.Terminal(), tt.wantExit != nil)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		event Event
	}{
		{name: "invalid base64 declared", event: Event{Output: strPtr("not base64!"), Encoding: EncodingBase64}},
		{name: "unknown encoding", event: Event{Output: strPtr("x"), Encoding: "gzip"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.event, time.Now()); !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParse(t *testing.T) {
	ev, err := Parse([]byte(`{"output":"UlVOTklORwpoaQ==","exit_code":0}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ev.Output == nil || *ev.Output != "UlVOTklORwpoaQ==" {
		t.Errorf("Parse() output = %v", ev.Output)
	}
	if ev.ExitCode == nil || *ev.ExitCode != 0 {
		t.Errorf("Parse() exit code = %v, want 0", ev.ExitCode)
	}

	ev, err = Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse({}) error = %v", err)
	}
	if ev.Output != nil || ev.ExitCode != nil {
		t.Error("Parse({}) must leave both fields absent")
	}

	if _, err := Parse([]byte(`{"exit_code":"zero"}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse() error = %v, want ErrMalformed", err)
	}
}
