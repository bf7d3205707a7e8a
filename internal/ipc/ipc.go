// Package ipc implements the length-delimited JSON protocol spoken
// between the dispatcher (parent) and a worker (child) process.
//
// Framing follows the same "Content-Length: N\r\n\r\n" header plus N
// bytes of JSON convention the go.lsp.dev/jsonrpc2 codec uses. Unlike
// LSP, the protocol here is pure streaming in both directions; there
// is no request/response correlation, so messages carry no IDs.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// WorkerEnvVar, when set to "1" in a child process's environment, tells
// the partest binary to run as a worker (internal/worker.Run) instead of
// as the dispatching CLI, the fork-by-env-var shape this repo's plugin
// host already uses to tell a re-exec'd binary it's running as a plugin.
const WorkerEnvVar = "PARTEST_WORKER"

// Kind identifies the message type carried in an envelope.
type Kind string

const (
	KindInit         Kind = "init"
	KindRun          Kind = "run"
	KindStop         Kind = "stop"
	KindReady        Kind = "ready"
	KindTestBegin    Kind = "testBegin"
	KindStdOut       Kind = "stdOut"
	KindStdErr       Kind = "stdErr"
	KindTestEnd      Kind = "testEnd"
	KindDone         Kind = "done"
	KindTeardownErr  Kind = "teardownError"
)

// Envelope is the outer shape of every message: a kind tag and the
// kind-specific payload as raw JSON.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encoder writes length-delimited JSON messages to an underlying writer.
// Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message. kind tags the payload so the peer can
// dispatch without guessing the Go type.
func (e *Encoder) Encode(kind Kind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshaling %s payload: %w", kind, err)
	}
	env := Envelope{Kind: kind, Payload: body}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshaling envelope: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := io.WriteString(e.w, header); err != nil {
		return err
	}
	_, err = e.w.Write(data)
	return err
}

// Decoder reads length-delimited JSON messages from an underlying
// reader. Not safe for concurrent use; each Decoder is read by exactly
// one goroutine per spec.md §5's single-threaded worker model.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next envelope, blocking until one is available.
// Returns io.EOF when the peer has closed the stream cleanly.
func (d *Decoder) Decode() (Envelope, error) {
	var env Envelope
	contentLength := -1
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			return env, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			v := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			n, err := strconv.Atoi(v)
			if err != nil {
				return env, fmt.Errorf("ipc: invalid Content-Length %q: %w", v, err)
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return env, fmt.Errorf("ipc: missing Content-Length header")
	}

	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return env, err
	}
	if err := json.Unmarshal(buf, &env); err != nil {
		return env, fmt.Errorf("ipc: unmarshaling envelope: %w", err)
	}
	return env, nil
}

// Unmarshal decodes the envelope's payload into v.
func (env Envelope) Unmarshal(v any) error {
	return json.Unmarshal(env.Payload, v)
}
