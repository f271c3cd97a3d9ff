package ble

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"github.com/google/uuid"
)

// Result is the outcome of one submitted command. Exactly one Result is
// delivered per command.
type Result struct {
	ID      string
	Payload []byte // response without the status word
	Status  protocol.StatusWord
	Err     error // nil only when Status is StatusOK
}

// pendingCommand is one submitted command and its remaining fragments.
type pendingCommand struct {
	id        string
	fragments [][]byte
	done      func(Result)
}

// commandQueue is a FIFO of submitted commands with a single in-flight slot.
// submit may be called from any goroutine; every other method runs on the
// machine goroutine.
type commandQueue struct {
	mu       sync.Mutex
	mtu      int
	overhead int
	pending  []*pendingCommand
	closed   error // set once the connection is gone; later submits fail at once

	inFlight    *pendingCommand
	awaitingAck bool // a fragment write is outstanding
}

func newCommandQueue(mtu, overhead int) *commandQueue {
	return &commandQueue{mtu: mtu, overhead: overhead}
}

// submit fragments apdu with the currently known MTU and appends it. After
// failAll the command is finished on the caller's goroutine before submit
// returns.
func (q *commandQueue) submit(apdu []byte, done func(Result)) (string, error) {
	id := uuid.NewString()

	q.mu.Lock()
	fragments, err := protocol.Fragment(apdu, q.mtu, q.overhead)
	if err != nil {
		q.mu.Unlock()
		return "", fmt.Errorf("ble: fragment command: %w", err)
	}
	cmd := &pendingCommand{id: id, fragments: fragments, done: done}
	if q.closed != nil {
		cause := q.closed
		q.mu.Unlock()
		cmd.finish(abandoned(id, cause))
		return id, nil
	}
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	return id, nil
}

// setMTU changes the framing MTU for commands submitted from now on.
func (q *commandQueue) setMTU(mtu int) {
	if mtu <= 0 {
		return
	}
	q.mu.Lock()
	q.mtu = mtu
	q.mu.Unlock()
}

// pop moves the head command into flight. It returns nil when a command is
// already in flight or nothing is queued.
func (q *commandQueue) pop() *pendingCommand {
	if q.inFlight != nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	cmd := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.inFlight = cmd
	return cmd
}

// nextFragment returns the next fragment of the in-flight command if the
// write slot is free, and marks the slot busy.
func (q *commandQueue) nextFragment() ([]byte, bool) {
	if q.awaitingAck || q.inFlight == nil || len(q.inFlight.fragments) == 0 {
		return nil, false
	}
	frag := q.inFlight.fragments[0]
	q.inFlight.fragments = q.inFlight.fragments[1:]
	q.awaitingAck = true
	return frag, true
}

// hold marks the write slot busy for a write that is not a command fragment.
// The matching ack frees it through acked.
func (q *commandQueue) hold() {
	q.awaitingAck = true
}

// acked frees the write slot.
func (q *commandQueue) acked() {
	q.awaitingAck = false
}

// complete resolves the in-flight command with a full response.
func (q *commandQueue) complete(id string, response []byte) {
	cmd := q.inFlight
	if cmd == nil || cmd.id != id {
		slog.Error("[BLE] response for unknown command", "id", id)
		return
	}
	q.inFlight = nil
	if len(cmd.fragments) > 0 {
		slog.Warn("[BLE] response arrived before command was fully written", "id", id, "unsent", len(cmd.fragments))
	}
	cmd.finish(decodeResult(id, response))
}

// failAll abandons the in-flight command and then every queued command, in
// submission order, and makes later submits fail immediately.
func (q *commandQueue) failAll(cause error) {
	q.mu.Lock()
	if q.closed == nil {
		q.closed = cause
	}
	queued := q.pending
	q.pending = nil
	q.mu.Unlock()

	if q.inFlight != nil {
		cmd := q.inFlight
		q.inFlight = nil
		cmd.finish(abandoned(cmd.id, cause))
	}
	for _, cmd := range queued {
		cmd.finish(abandoned(cmd.id, cause))
	}
}

// queued returns the number of commands waiting behind the in-flight slot.
func (q *commandQueue) queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (c *pendingCommand) finish(r Result) {
	if c.done != nil {
		c.done(r)
	}
}

func decodeResult(id string, response []byte) Result {
	payload, sw, err := protocol.SplitStatus(response)
	if err != nil {
		return Result{ID: id, Status: protocol.StatusTransportFailure, Err: err}
	}
	r := Result{ID: id, Payload: payload, Status: sw}
	if sw != protocol.StatusOK {
		r.Err = &protocol.StatusError{Status: sw}
	}
	return r
}

func abandoned(id string, cause error) Result {
	return Result{
		ID:     id,
		Status: protocol.StatusTransportFailure,
		Err:    &AbandonedError{CommandID: id, Cause: cause},
	}
}

// AbandonedError is delivered to commands that never got a response
// because the connection failed or was closed.
type AbandonedError struct {
	CommandID string
	Cause     error
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("ble: command %s abandoned: %v", e.CommandID, e.Cause)
}

func (e *AbandonedError) Unwrap() error { return e.Cause }
