package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request operations.
const (
	// OpPing asks the agent to answer with an empty result.
	OpPing = "ping"

	// OpRun writes Files into a fresh work directory and runs Command.
	OpRun = "run"
)

// GuestRequest is the JSON payload sent from host to guest over vsock.
type GuestRequest struct {
	Op string `json:"op"`

	// Files maps paths relative to GuestCodeDir to contents.
	Files map[string][]byte `json:"files,omitempty"`

	// Command is the argv to run; file arguments are absolute guest paths.
	Command []string `json:"command,omitempty"`

	// Input is written to the command's stdin.
	Input []byte            `json:"input,omitempty"`
	Env   map[string]string `json:"env,omitempty"`

	// TimeoutMS is a guest-side backstop; the host enforces the deadline.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

// GuestResponse is the JSON payload sent from guest to host over vsock.
type GuestResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     []byte `json:"stdout,omitempty"`
	Stderr     []byte `json:"stderr,omitempty"`
	DurationMS int64  `json:"duration_ms"`

	// Error is set when the agent could not start the command at all.
	Error string `json:"error,omitempty"`
}

// Guest→host message types for vsock streaming.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// GuestMessage is the envelope for all guest→host messages over vsock.
// While a command runs the guest streams its stderr lines with Type="log".
// It then sends one final message with Type="result".
type GuestMessage struct {
	Type     string         `json:"type"`
	Line     string         `json:"line,omitempty"`
	Response *GuestResponse `json:"response,omitempty"`
}

// frameHeaderSize is the length of the big-endian uint32 that prefixes
// every JSON payload on the wire.
const frameHeaderSize = 4

// ErrFrameTooLarge is returned for a frame larger than MaxMessageSize.
var ErrFrameTooLarge = errors.New("vsock frame exceeds maximum size")

// WriteMessage encodes v as JSON and writes it as one length-prefixed frame
// in a single Write call.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	if _, err := w.Write(append(frame, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r and decodes its payload into v. The
// size is checked before the payload buffer is allocated.
func ReadMessage(r io.Reader, v any) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
