package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/apdu-ble/internal/ble/protocol"
	"github.com/chaz8081/apdu-ble/internal/ble/session"
)

var (
	// ErrAlreadyBuilt is returned by a second call to Build.
	ErrAlreadyBuilt = errors.New("ble: machine already built")
	// ErrClosed is the cause given to commands submitted after Clear.
	ErrClosed = errors.New("ble: machine closed")
)

// Options configures a Machine.
type Options struct {
	ConnectTimeout  time.Duration
	RequestMTU      int // size passed to Link.NegotiateMTU
	DefaultMTU      int // framing MTU until the session reports one
	FrameOverhead   int // bytes of each GATT write not available to the APDU
	EventBuffer     int // capacity of the adapter-to-machine handoff
	MaxResponseSize int // 0 for unbounded
	Profiles        []protocol.ServiceProfile
	Complete        protocol.CompletionFunc

	// Tap, if set, sees every platform event in processing order. It runs on
	// the machine goroutine.
	Tap func(session.Event)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  5 * time.Second,
		RequestMTU:      156,
		DefaultMTU:      protocol.DefaultMTU,
		FrameOverhead:   protocol.DefaultFrameOverhead,
		EventBuffer:     16,
		MaxResponseSize: 64 * 1024,
		Profiles:        protocol.DefaultProfiles(),
		Complete:        protocol.StatusComplete(nil),
	}
}

// Machine owns one BLE connection to one device for its whole life. Events
// are processed one at a time on an internal goroutine. After the session
// fails the Machine is spent: build a new one to reconnect.
type Machine struct {
	transport Transport
	deviceID  string
	rules     session.Rules
	opts      Options

	events chan session.Event
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}

	queue *commandQueue
	feed  *stateFeed

	mu        sync.Mutex
	built     bool
	clearOnce sync.Once

	// Owned by the machine goroutine once built.
	sess  session.Session
	link  Link
	timer *time.Timer
}

// NewMachine creates a Machine for deviceID. Nothing happens on the radio
// until Build.
func NewMachine(transport Transport, deviceID string, opts Options) *Machine {
	def := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestMTU <= 0 {
		opts.RequestMTU = def.RequestMTU
	}
	if opts.DefaultMTU <= 0 {
		opts.DefaultMTU = def.DefaultMTU
	}
	if opts.FrameOverhead < 0 {
		opts.FrameOverhead = def.FrameOverhead
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	if len(opts.Profiles) == 0 {
		opts.Profiles = def.Profiles
	}
	if opts.Complete == nil {
		opts.Complete = def.Complete
	}

	sess := session.New()
	return &Machine{
		transport: transport,
		deviceID:  deviceID,
		rules: session.Rules{
			Profiles:    opts.Profiles,
			RequestMTU:  opts.RequestMTU,
			Complete:    opts.Complete,
			MaxResponse: opts.MaxResponseSize,
		},
		opts:   opts,
		events: make(chan session.Event, opts.EventBuffer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		queue:  newCommandQueue(opts.DefaultMTU, opts.FrameOverhead),
		feed:   newStateFeed(sess.State),
		sess:   sess,
	}
}

// Build opens the link and starts the connect timeout. The timeout fires as
// an event on the same stream as platform events, so it can never race a
// Connected that was delivered first.
func (m *Machine) Build(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return ErrAlreadyBuilt
	}
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}

	link, err := m.transport.Open(ctx, m.deviceID, m)
	if err != nil {
		return fmt.Errorf("ble: open %s: %w", m.deviceID, err)
	}
	m.link = link
	m.timer = time.AfterFunc(m.opts.ConnectTimeout, func() {
		m.Post(session.ConnectTimeout{})
	})
	m.built = true

	slog.Info("[BLE] opening link", "device", m.deviceID, "timeout", m.opts.ConnectTimeout)
	go m.run()
	return nil
}

// Post hands a platform event to the machine. It blocks while the event
// buffer is full and drops the event only once the machine has stopped.
func (m *Machine) Post(ev session.Event) {
	select {
	case m.events <- ev:
	case <-m.done:
		slog.Debug("[BLE] event after shutdown dropped", "event", ev)
	}
}

// Send queues apdu and returns its correlation id without waiting for the
// radio. done is called exactly once with the response or the reason the
// command was abandoned, and it must not block. It normally runs on the
// machine goroutine, but when the machine is already cleared it runs on the
// caller's goroutine before Send returns.
func (m *Machine) Send(apdu []byte, done func(Result)) (string, error) {
	id, err := m.queue.submit(apdu, done)
	if err != nil {
		return "", err
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Exchange sends apdu and waits for its response payload. A device-reported
// failure is returned as *protocol.StatusError along with the payload.
func (m *Machine) Exchange(ctx context.Context, apdu []byte) ([]byte, error) {
	results := make(chan Result, 1)
	id, err := m.Send(apdu, func(r Result) { results <- r })
	if err != nil {
		return nil, err
	}
	select {
	case r := <-results:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: waiting for command %s: %w", id, ctx.Err())
	}
}

// Subscribe streams state transitions, starting with the current state. The
// machine waits for every subscriber to take each state, so read until the
// channel closes or cancel ctx.
func (m *Machine) Subscribe(ctx context.Context) <-chan session.State {
	return m.feed.subscribe(ctx)
}

// State returns the most recently published state.
func (m *Machine) State() session.State {
	return m.feed.current()
}

// Pending returns the number of queued commands not yet in flight.
func (m *Machine) Pending() int {
	return m.queue.queued()
}

// Clear tears the connection down. Queued and in-flight commands are
// abandoned, the link is closed and subscriptions end. The Machine cannot
// be reused.
func (m *Machine) Clear() error {
	var err error
	m.clearOnce.Do(func() {
		m.mu.Lock()
		built := m.built
		close(m.quit)
		m.mu.Unlock()

		if built {
			<-m.done
			err = m.closeLink()
			return
		}
		m.shutdown()
		close(m.done)
	})
	return err
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.shutdown()
			return
		default:
		}

		select {
		case ev := <-m.events:
			if m.opts.Tap != nil {
				m.opts.Tap(ev)
			}
			m.handle(ev)
		case <-m.wake:
			m.advance()
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

// shutdown moves a live session to Error{closed} and abandons its commands.
func (m *Machine) shutdown() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.queue.failAll(ErrClosed)
	next, effects := m.rules.Close(m.sess)
	m.sess = next
	m.apply(effects)
	m.feed.close()
}

func (m *Machine) closeLink() error {
	if m.link == nil {
		return nil
	}
	if err := m.link.Close(); err != nil {
		return fmt.Errorf("ble: close link: %w", err)
	}
	return nil
}

func (m *Machine) handle(ev session.Event) {
	slog.Debug("[BLE] event", "event", ev, "state", m.sess.State.String())
	next, effects := m.rules.Step(m.sess, ev)
	m.sess = next
	m.apply(effects)
}

// advance dispatches the head command when the session is Ready and nothing
// is in flight. In setup states the command waits: entering Ready drains
// the queue.
func (m *Machine) advance() {
	if _, ok := m.sess.State.(session.Ready); !ok {
		return
	}
	cmd := m.queue.pop()
	if cmd == nil {
		return
	}
	slog.Debug("[BLE] dispatching command", "id", cmd.id, "fragments", len(cmd.fragments))
	m.handle(session.CommandDispatched{CommandID: cmd.id})
}
