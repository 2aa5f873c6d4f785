// Package stage is the protocol client for the motorised focus stage and its
// frame controller. Both logical devices share one serial line: address 1 is
// the frame controller (unit query, lamp, light path, hand buttons) and
// address 2 is the focus drive.
//
// Every request goes through SendAndAwait, which holds a single lock from the
// moment the command is written until its response has been claimed. That lock
// is the only place stage commands are serialised, so a jog move and a feedback
// move can never be in flight together.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/serialmux"
)

const (
	ControllerAddress = "1"
	FocusAddress      = "2"

	// ButtonEventID identifies unsolicited hand-switch events from the frame
	// controller, e.g. "1BTN 4".
	ButtonEventID = ControllerAddress + "BTN"

	// DefaultResponseTimeout bounds how long a request waits for its reply.
	DefaultResponseTimeout = 2 * time.Second

	successToken = "+"
	failureToken = "!"
)

var (
	ErrResponseTimeout    = errors.New("stage response timeout")
	ErrUnexpectedResponse = errors.New("unexpected stage response")
	ErrClosed             = errors.New("stage connection closed")
)

// ProtocolError reports a reply that did not carry the success indicator,
// such as "2MOV !,E00011".
type ProtocolError struct {
	Identifier string
	Args       []string
}

func (e *ProtocolError) Error() string {
	if len(e.Args) == 2 && e.Args[0] == failureToken {
		return fmt.Sprintf("stage %s failed with code %s", e.Identifier, e.Args[1])
	}
	return fmt.Sprintf("stage %s: unexpected reply %q", e.Identifier, strings.Join(e.Args, ","))
}

func (e *ProtocolError) Is(target error) bool { return target == ErrUnexpectedResponse }

// Code returns the controller's error code, or "" when none was reported.
func (e *ProtocolError) Code() string {
	if len(e.Args) == 2 && e.Args[0] == failureToken {
		return e.Args[1]
	}
	return ""
}

// Client issues commands to the stage over a serial mux.
type Client struct {
	mux     serialmux.SerialMuxInterface
	timeout time.Duration
	logf    func(string, ...interface{})

	// reqMu is held from write to claim for every request.
	reqMu sync.Mutex
}

type Option func(*Client)

// WithResponseTimeout overrides DefaultResponseTimeout. Zero waits forever,
// bounded only by the caller's context.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func NewClient(mux serialmux.SerialMuxInterface, opts ...Option) *Client {
	c := &Client{
		mux:     mux,
		timeout: DefaultResponseTimeout,
		logf:    monitoring.Prefixed("stage"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect logs in to both logical devices. The login acknowledgements are
// consumed and discarded.
func (c *Client) Connect(ctx context.Context) error {
	for _, addr := range []string{ControllerAddress, FocusAddress} {
		id := addr + "LOG"
		args, err := c.request(ctx, id, id+" IN")
		if err != nil {
			return fmt.Errorf("login %s: %w", addr, err)
		}
		c.logf("login %s acknowledged: %s", addr, strings.Join(args, ","))
	}
	return nil
}

// FormatCommand renders a command line without its terminator. Queries append
// "?" and carry no arguments.
func FormatCommand(id string, args []string, query bool) string {
	if query {
		return id + "?"
	}
	if len(args) == 0 {
		return id
	}
	return id + " " + strings.Join(args, ",")
}

// SendAndAwait writes one command and returns the argument tail of the reply
// carrying the same identifier. State-changing commands must be acknowledged
// with "+", otherwise a *ProtocolError is returned.
func (c *Client) SendAndAwait(ctx context.Context, id string, args []string, query bool) ([]string, error) {
	reply, err := c.request(ctx, id, FormatCommand(id, args, query))
	if err != nil {
		return nil, err
	}
	if !query && (len(reply) == 0 || reply[0] != successToken) {
		return reply, &ProtocolError{Identifier: id, Args: reply}
	}
	return reply, nil
}

func (c *Client) request(ctx context.Context, id, line string) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a reply still owed to an earlier timed-out request must not be taken
	// for this one
	if err := c.mux.Settle(ctx, id); err != nil {
		if errors.Is(err, serialmux.ErrClosed) {
			return nil, fmt.Errorf("%w: settling %s", ErrClosed, id)
		}
		return nil, err
	}
	if err := c.mux.SendCommand(line); err != nil {
		return nil, fmt.Errorf("send %q: %w", line, err)
	}

	waitCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.mux.Await(waitCtx, id)
	switch {
	case err == nil:
		return resp.Args, nil
	case errors.Is(err, serialmux.ErrClosed):
		return nil, fmt.Errorf("%w: awaiting %s", ErrClosed, id)
	case ctx.Err() != nil:
		// the caller gave up; the reply is still owed
		c.mux.Abandon(id)
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		c.mux.Abandon(id)
		c.logf("no reply to %q within %s", line, c.timeout)
		return nil, fmt.Errorf("%w: %q after %s", ErrResponseTimeout, line, c.timeout)
	default:
		return nil, err
	}
}

func (c *Client) command(ctx context.Context, id string, args ...string) error {
	_, err := c.SendAndAwait(ctx, id, args, false)
	return err
}

func (c *Client) query(ctx context.Context, id string) ([]string, error) {
	args, err := c.SendAndAwait(ctx, id, nil, true)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, &ProtocolError{Identifier: id}
	}
	return args, nil
}

func (c *Client) queryInt(ctx context.Context, id string) (int, error) {
	args, err := c.query(ctx, id)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, &ProtocolError{Identifier: id, Args: args}
	}
	return n, nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// GetUnit returns the frame controller's unit identification.
func (c *Client) GetUnit(ctx context.Context) (string, error) {
	args, err := c.query(ctx, ControllerAddress+"UNIT")
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

// GetPosition returns the focus position in device units (0.01 µm).
func (c *Client) GetPosition(ctx context.Context) (int, error) {
	return c.queryInt(ctx, FocusAddress+"POS")
}

// Move drives the focus by a signed relative distance in device units. The
// sign is sent as a direction token: N for positive, F for negative.
func (c *Client) Move(ctx context.Context, distance int) error {
	dir := "N"
	if distance < 0 {
		dir, distance = "F", -distance
	}
	return c.command(ctx, FocusAddress+"MOV", dir, strconv.Itoa(distance))
}

func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, FocusAddress+"STOP")
}

func (c *Client) SetLamp(ctx context.Context, on bool) error {
	return c.command(ctx, ControllerAddress+"LMPSW", onOff(on))
}

func (c *Client) Lamp(ctx context.Context) (bool, error) {
	args, err := c.query(ctx, ControllerAddress+"LMPSW")
	if err != nil {
		return false, err
	}
	return args[0] == "ON", nil
}

func (c *Client) SetLampIntensity(ctx context.Context, level int) error {
	return c.command(ctx, ControllerAddress+"LMP", strconv.Itoa(level))
}

func (c *Client) LampIntensity(ctx context.Context) (int, error) {
	return c.queryInt(ctx, ControllerAddress+"LMP")
}

func (c *Client) SetLightPath(ctx context.Context, path int) error {
	return c.command(ctx, ControllerAddress+"LPATH", strconv.Itoa(path))
}

func (c *Client) LightPath(ctx context.Context) (int, error) {
	return c.queryInt(ctx, ControllerAddress+"LPATH")
}

// EnableJog turns on the focus jog dial together with its soft limits.
func (c *Client) EnableJog(ctx context.Context) error {
	if err := c.command(ctx, FocusAddress+"JOG", "ON"); err != nil {
		return err
	}
	return c.command(ctx, FocusAddress+"joglmt", "ON")
}

func (c *Client) DisableJog(ctx context.Context) error {
	return c.command(ctx, FocusAddress+"JOG", "OFF")
}

func (c *Client) SetJogSensitivity(ctx context.Context, level int) error {
	return c.command(ctx, FocusAddress+"JOGSNS", strconv.Itoa(level))
}

func (c *Client) JogSensitivity(ctx context.Context) (int, error) {
	return c.queryInt(ctx, FocusAddress+"JOGSNS")
}

// EnableButtons makes the frame controller report hand-switch presses as
// ButtonEventID lines.
func (c *Client) EnableButtons(ctx context.Context) error {
	return c.command(ctx, ControllerAddress+"SW", "ON")
}

func (c *Client) DisableButtons(ctx context.Context) error {
	return c.command(ctx, ControllerAddress+"SW", "OFF")
}
