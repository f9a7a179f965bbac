// Package event decodes inbound agent events into output chunks and an optional exit code.
package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Output streams
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Output encodings an event may declare
const (
	EncodingBase64 = "base64"
	EncodingPlain  = "plain"
)

// Status line prefixes written by retrieve.sh
var sentinels = [][]byte{[]byte("RUNNING"), []byte("DONE")}

// ErrMalformed is returned for events that cannot be decoded
var ErrMalformed = errors.New("malformed event")

// Event is the body an agent posts back for a task.
//
// Output is combined output whose first line may be a status line. Without an Encoding it is
// base64 decoded when valid and taken as plain text otherwise. "base64" requires valid base64
// and "plain" takes it verbatim.
type Event struct {
	Output   *string `json:"output,omitempty"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Encoding string  `json:"encoding,omitempty"`
}

// Chunk is one piece of task output
type Chunk struct {
	Output    string  `json:"output"`
	Stream    string  `json:"output_type"`
	Timestamp float64 `json:"timestamp"`
}

// Update is the normalized form of an Event
type Update struct {
	Chunks   []Chunk
	ExitCode *int
}

// Terminal reports whether the update ends the running phase of a task
func (u Update) Terminal() bool {
	return u.ExitCode != nil
}

// Empty reports whether the update carries neither output nor an exit code
func (u Update) Empty() bool {
	return len(u.Chunks) == 0 && u.ExitCode == nil
}

// Parse decodes a JSON event body
func Parse(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

// Decode normalizes ev. Output chunks are tagged stdout and stamped with at.
//
// Output that cannot be decoded is an error unless the event also carries an exit code,
// in which case the raw output is kept so the exit code still applies.
func Decode(ev Event, at time.Time) (Update, error) {
	update := Update{ExitCode: ev.ExitCode}
	if ev.Output == nil {
		return update, nil
	}

	text, err := decodeOutput(*ev.Output, ev.Encoding)
	if err != nil {
		if ev.ExitCode == nil {
			return Update{}, err
		}
		text = *ev.Output
	}

	if text != "" {
		update.Chunks = append(update.Chunks, FormatOutput(text, StreamStdout, at))
	}
	return update, nil
}

func decodeOutput(output, encoding string) (string, error) {
	switch encoding {
	case "":
		raw, err := base64.StdEncoding.DecodeString(output)
		if err != nil {
			return string(StripStatusLine([]byte(output))), nil
		}
		return string(StripStatusLine(raw)), nil
	case EncodingBase64:
		raw, err := base64.StdEncoding.DecodeString(output)
		if err != nil {
			return "", fmt.Errorf("%w: output is not valid base64: %v", ErrMalformed, err)
		}
		return string(StripStatusLine(raw)), nil
	case EncodingPlain:
		return output, nil
	default:
		return "", fmt.Errorf("%w: unknown encoding %q", ErrMalformed, encoding)
	}
}

// StripStatusLine removes the first line when it starts with RUNNING or DONE and ends
// with a newline. Everything after that line is returned untouched.
func StripStatusLine(raw []byte) []byte {
	matched := false
	for _, prefix := range sentinels {
		if bytes.HasPrefix(raw, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return raw
	}

	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return raw
	}
	return raw[idx+1:]
}

// FormatOutput builds a chunk in the continuous output format
func FormatOutput(output, stream string, at time.Time) Chunk {
	return Chunk{
		Output:    output,
		Stream:    stream,
		Timestamp: float64(at.UnixNano()) / float64(time.Second),
	}
}
