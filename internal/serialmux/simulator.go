package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StageSimulator implements SerialPorter by emulating the focus stage
// controller. Every command line written to it is answered the way the
// hardware answers, and PressButton injects unsolicited button events. It backs
// the --dev mode and the stage tests.
type StageSimulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool

	// Latency delays each response, emulating the 19200 baud round trip.
	Latency time.Duration

	position  int
	lampOn    bool
	intensity int
	lightPath int
	jogOn     bool
	jogSens   int
	buttons   bool
	commands  []string
	silent    map[string]bool
}

// NewStageSimulator returns a simulator with the lamp on at mid intensity.
func NewStageSimulator() *StageSimulator {
	s := &StageSimulator{
		lampOn:    true,
		intensity: 60,
		lightPath: 1,
		jogSens:   5,
		silent:    make(map[string]bool),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

var errSimClosed = errors.New("simulated port closed")

// Read blocks until a response is available or the port is closed.
func (s *StageSimulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return 0, errSimClosed
	}
	return s.out.Read(p)
}

// Write accepts one or more CRLF terminated command lines.
func (s *StageSimulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errSimClosed
	}
	latency := s.Latency
	var replies []string
	for _, cmd := range strings.Split(string(p), "\n") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		s.commands = append(s.commands, cmd)
		if r := s.respond(cmd); r != "" {
			replies = append(replies, r)
		}
	}
	s.mu.Unlock()

	emit := func() {
		for _, r := range replies {
			s.emit(r)
		}
	}
	if latency > 0 {
		time.AfterFunc(latency, emit)
	} else {
		emit()
	}
	return len(p), nil
}

// Close unblocks readers and rejects further writes.
func (s *StageSimulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

func (s *StageSimulator) emit(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out.WriteString(line + "\r\n")
	s.cond.Broadcast()
}

// PressButton emits an unsolicited button event line.
func (s *StageSimulator) PressButton(code int) {
	s.emit(fmt.Sprintf("1BTN %d", code))
}

// Silence makes the simulator swallow commands with the given identifier
// without answering, emulating a lost response.
func (s *StageSimulator) Silence(id string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[id] = on
}

// Inject emits an arbitrary line, e.g. a delayed response.
func (s *StageSimulator) Inject(line string) { s.emit(line) }

// Position returns the simulated focus position in device units.
func (s *StageSimulator) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Commands returns every command line received so far.
func (s *StageSimulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// respond computes the reply to one command; it runs with s.mu held.
func (s *StageSimulator) respond(cmd string) string {
	id, arg, _ := strings.Cut(cmd, " ")
	if s.silent[strings.TrimSuffix(id, "?")] {
		return ""
	}
	ok := id + " +"
	switch id {
	case "1LOG", "2LOG":
		return ok
	case "1UNIT?":
		return "1UNIT IX2-SIM"
	case "2POS?":
		return fmt.Sprintf("2POS %d", s.position)
	case "2MOV":
		dir, mag, found := strings.Cut(arg, ",")
		n, err := strconv.Atoi(mag)
		if !found || err != nil || (dir != "N" && dir != "F") {
			return "2MOV !,E00011"
		}
		if dir == "F" {
			n = -n
		}
		s.position += n
		return ok
	case "2STOP":
		return ok
	case "1LMPSW":
		s.lampOn = arg == "ON"
		return ok
	case "1LMPSW?":
		return "1LMPSW " + onOff(s.lampOn)
	case "1LMP":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return "1LMP !,E00011"
		}
		s.intensity = n
		return ok
	case "1LMP?":
		return fmt.Sprintf("1LMP %d", s.intensity)
	case "1LPATH":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return "1LPATH !,E00011"
		}
		s.lightPath = n
		return ok
	case "1LPATH?":
		return fmt.Sprintf("1LPATH %d", s.lightPath)
	case "2JOG":
		s.jogOn = arg == "ON"
		return ok
	case "2joglmt":
		return ok
	case "2JOGSNS":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return "2JOGSNS !,E00011"
		}
		s.jogSens = n
		return ok
	case "2JOGSNS?":
		return fmt.Sprintf("2JOGSNS %d", s.jogSens)
	case "1SW":
		s.buttons = arg == "ON"
		return ok
	}
	return InvalidCommandID
}
