// Package control implements the focus feedback laws.
package control

import (
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DefaultHistory is the proportional-integral error window.
const DefaultHistory = 100

// Law selects the feedback law a Controller applies.
type Law int

const (
	Proportional Law = iota
	ProportionalIntegral
)

func (l Law) String() string {
	switch l {
	case Proportional:
		return "p"
	case ProportionalIntegral:
		return "pi"
	}
	return fmt.Sprintf("Law(%d)", int(l))
}

// ParseLaw accepts "p" or "pi" in any case.
func ParseLaw(s string) (Law, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p":
		return Proportional, nil
	case "pi":
		return ProportionalIntegral, nil
	}
	return 0, fmt.Errorf("unknown control law %q", s)
}

// Params holds the parameters of every law; each law reads only its own.
type Params struct {
	// Proportional.
	Gain     float64 `json:"gain"`
	MaxError float64 `json:"max_error"`

	// ProportionalIntegral.
	Kp      float64 `json:"kp"`
	Ki      float64 `json:"ki"`
	History int     `json:"history"`
}

// Controller is a feedback law with its state. It is safe for concurrent use.
type Controller struct {
	law    Law
	params Params

	mu      sync.Mutex
	history []float64
}

// New returns a controller for law. A non-positive History uses DefaultHistory.
func New(law Law, p Params) *Controller {
	if p.History <= 0 {
		p.History = DefaultHistory
	}
	return &Controller{law: law, params: p}
}

// NewProportional returns gain*err for errors strictly above maxError, else 0.
func NewProportional(gain, maxError float64) *Controller {
	return New(Proportional, Params{Gain: gain, MaxError: maxError})
}

// NewProportionalIntegral returns -(kp*err) - ki*mean(last n errors).
func NewProportionalIntegral(kp, ki float64, n int) *Controller {
	return New(ProportionalIntegral, Params{Kp: kp, Ki: ki, History: n})
}

func (c *Controller) Law() Law       { return c.law }
func (c *Controller) Params() Params { return c.params }

// Response applies the law's formula as is. The two laws have opposite sign
// conventions; use Actuation for a stage move.
func (c *Controller) Response(err float64) float64 {
	switch c.law {
	case ProportionalIntegral:
		c.mu.Lock()
		defer c.mu.Unlock()
		c.history = append(c.history, err)
		if over := len(c.history) - c.params.History; over > 0 {
			c.history = append(c.history[:0:0], c.history[over:]...)
		}
		return -c.params.Kp*err - c.params.Ki*stat.Mean(c.history, nil)
	default:
		if err > c.params.MaxError {
			return c.params.Gain * err
		}
		return 0
	}
}

// Actuation returns the signed stage move for a peak error
// (peak - setpoint). It is negative feedback for both laws: a positive gain
// drives the peak back toward the setpoint.
func (c *Controller) Actuation(err float64) float64 {
	r := c.Response(err)
	if c.law == Proportional {
		return -r
	}
	return r
}

// Reset clears the integral history.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// HistoryLen reports how many errors the integral term currently averages.
func (c *Controller) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}
