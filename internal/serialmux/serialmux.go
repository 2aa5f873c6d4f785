// Serialmux provides an abstraction over a shared serial line that carries
// command responses for several logical devices plus unsolicited events.
//
// A single reader task (Monitor) tokenises every incoming line and files it in
// a mailbox keyed by the line's identifier. Any number of goroutines may wait
// concurrently, each on its own identifier; a claim removes exactly one line,
// oldest first. Lines nobody is waiting for stay queued until claimed. Raw
// lines are also fanned out to subscribers for live tailing.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autofocus/internal/httputil"
	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/transport"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrClosed is returned to waiters once the reader task has stopped.
	ErrClosed = errors.New("serial mux closed")
)

// DefaultLateReplyGrace is how long after Abandon a reply for the abandoned
// identifier is still treated as the late one.
const DefaultLateReplyGrace = 500 * time.Millisecond

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMux is a generic serial line multiplexer. See the package comment.
type SerialMux[T SerialPorter] struct {
	port T
	logf func(string, ...interface{})

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex

	pendingMu sync.Mutex
	pending   map[string][]Line
	// discard holds one expected late response per abandoned identifier.
	discard   map[string]*abandoned
	lateGrace time.Duration
	// arrived is closed and replaced every time a line is queued.
	arrived chan struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving raw lines from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes one command line to the serial port.
	SendCommand(string) error
	// Await blocks until a line with the given identifier is queued, then
	// removes and returns the oldest such line.
	Await(ctx context.Context, id string) (Line, error)
	// Abandon tells the mux that a waiter on id gave up, so the response it was
	// owed is dropped instead of satisfying the next waiter. The drop expires
	// after the late-reply grace period.
	Abandon(id string)
	// Settle blocks until no late response is expected for id: the late line
	// arrived and was dropped, or the grace period ran out. Call it before
	// sending a command whose reply carries id.
	Settle(ctx context.Context, id string) error
	// Pending reports the number of unclaimed lines per identifier.
	Pending() map[string]int
	// Monitor reads lines from the serial port until ctx ends or the port
	// fails, filing them for waiters and subscribers.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance backed by the given port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		logf:        monitoring.Prefixed("serialmux"),
		subscribers: make(map[string]chan string),
		pending:     make(map[string][]Line),
		discard:     make(map[string]*abandoned),
		lateGrace:   DefaultLateReplyGrace,
		arrived:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes a command line, terminating it with CRLF if needed.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\r\n"
	}
	if err := transport.WriteAll(s.port, []byte(command)); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (s *SerialMux[T]) Await(ctx context.Context, id string) (Line, error) {
	for {
		s.pendingMu.Lock()
		if q := s.pending[id]; len(q) > 0 {
			line := q[0]
			s.popLocked(id)
			s.pendingMu.Unlock()
			return line, nil
		}
		arrived := s.arrived
		s.pendingMu.Unlock()

		select {
		case <-arrived:
		case <-s.done:
			return Line{}, ErrClosed
		case <-ctx.Done():
			return Line{}, ctx.Err()
		}
	}
}

func (s *SerialMux[T]) popLocked(id string) {
	q := s.pending[id]
	if len(q) <= 1 {
		delete(s.pending, id)
		return
	}
	s.pending[id] = q[1:]
}

// abandoned is a response still owed to a waiter that gave up.
type abandoned struct {
	deadline time.Time
	// settled is closed when the entry is removed.
	settled chan struct{}
}

// SetLateReplyGrace overrides DefaultLateReplyGrace.
func (s *SerialMux[T]) SetLateReplyGrace(d time.Duration) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.lateGrace = d
}

func (s *SerialMux[T]) Abandon(id string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	// the response may have landed between the waiter's deadline and now
	if len(s.pending[id]) > 0 {
		s.logf("dropping late response %q", s.pending[id][0].Raw)
		s.popLocked(id)
		return
	}
	deadline := time.Now().Add(s.lateGrace)
	if e, ok := s.discard[id]; ok {
		e.deadline = deadline
		return
	}
	s.discard[id] = &abandoned{deadline: deadline, settled: make(chan struct{})}
}

// settleLocked removes the discard entry for id.
func (s *SerialMux[T]) settleLocked(id string, e *abandoned) {
	delete(s.discard, id)
	close(e.settled)
}

func (s *SerialMux[T]) Settle(ctx context.Context, id string) error {
	for {
		s.pendingMu.Lock()
		e, ok := s.discard[id]
		if ok && !time.Now().Before(e.deadline) {
			s.logf("no late response for %s arrived, resuming", id)
			s.settleLocked(id, e)
			ok = false
		}
		var wait time.Duration
		if ok {
			wait = time.Until(e.deadline)
		}
		s.pendingMu.Unlock()
		if !ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-e.settled:
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

func (s *SerialMux[T]) Pending() map[string]int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make(map[string]int, len(s.pending))
	for id, q := range s.pending {
		out[id] = len(q)
	}
	return out
}

// deliver files a parsed line for waiters and wakes them.
func (s *SerialMux[T]) deliver(line Line) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if e, ok := s.discard[line.ID]; ok {
		s.settleLocked(line.ID, e)
		if line.Received.Before(e.deadline) {
			s.logf("dropping late response %q", line.Raw)
			return
		}
	}
	s.pending[line.ID] = append(s.pending[line.ID], line)
	close(s.arrived)
	s.arrived = make(chan struct{})
}

func (s *SerialMux[T]) handleLine(raw string) {
	line, err := ParseLine(raw)
	if err != nil {
		return
	}
	line.Received = time.Now()

	s.subscriberMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line.Raw:
		default:
			// if the channel is full/blocking skip so as not to block the reader
		}
	}
	s.subscriberMu.Unlock()

	if line.IsInvalidCommand() {
		s.logf("controller rejected a command: %q", line.Raw)
		return
	}
	s.deliver(line)
}

// Monitor is the reader task. It runs until ctx is cancelled, the port reports
// EOF, or a read fails; waiters are released with ErrClosed when it returns.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	defer s.markDone()

	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs on its own goroutine so the outer loop can
	// observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case raw, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			select {
			case <-s.done:
				return nil
			default:
			}
			s.handleLine(raw)
		}
	}
}

func (s *SerialMux[T]) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *SerialMux[T]) Close() error {
	s.markDone()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a command to the stage serial line", func(w http.ResponseWriter, r *http.Request) {
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	// API endpoint to write a raw command line
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	debug.HandleFunc("serial-pending", "unclaimed stage responses per identifier", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.Pending())
	})

	// Server-Sent Events of every line coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		es := httputil.StartEventStream(w)
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if err := es.Send("", []byte(payload)); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
