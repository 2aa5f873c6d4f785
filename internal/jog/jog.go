// Package jog turns hand-switch presses on the frame controller into stage
// actions: an accelerating open-loop focus jog plus lamp, light path and jog
// sensitivity toggles.
package jog

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/stage"
	"github.com/banshee-data/autofocus/internal/timeutil"
)

// Button codes reported by the frame controller.
const (
	ButtonJogDown           = 1
	ButtonJogUp             = 2
	ButtonJogStop           = 3
	ButtonLampToggle        = 4
	ButtonIntensityUp       = 5
	ButtonIntensityDown     = 6
	ButtonLightPathToggle   = 7
	ButtonSensitivityToggle = 8
)

const (
	MinIntensity = 0
	MaxIntensity = 100
)

// Stage is the part of the stage client the jog controller drives.
type Stage interface {
	Move(ctx context.Context, distance int) error
	SetLamp(ctx context.Context, on bool) error
	Lamp(ctx context.Context) (bool, error)
	SetLampIntensity(ctx context.Context, level int) error
	LampIntensity(ctx context.Context) (int, error)
	SetLightPath(ctx context.Context, path int) error
	LightPath(ctx context.Context) (int, error)
	SetJogSensitivity(ctx context.Context, level int) error
	JogSensitivity(ctx context.Context) (int, error)
}

// Config holds the ramp and toggle parameters.
type Config struct {
	// StartSpeed is the first move per tick, in device units.
	StartSpeed float64
	// Growth multiplies the speed every Tick.
	Growth float64
	// MaxSpeed caps the magnitude of a single move.
	MaxSpeed float64
	Tick     time.Duration

	LampStep           int
	SensitivityPresets [2]int
	LightPaths         [2]int
}

func DefaultConfig() Config {
	return Config{
		StartSpeed:         100,
		Growth:             1.05,
		MaxSpeed:           5000,
		Tick:               30 * time.Millisecond,
		LampStep:           5,
		SensitivityPresets: [2]int{5, 15},
		LightPaths:         [2]int{1, 2},
	}
}

// DeviceState mirrors the controller settings the toggles act on.
type DeviceState struct {
	LampOn      bool `json:"lamp_on"`
	Intensity   int  `json:"intensity"`
	LightPath   int  `json:"light_path"`
	Sensitivity int  `json:"sensitivity"`
}

// Controller is the button state machine and the ramp task's shared state.
type Controller struct {
	stage Stage
	cfg   Config
	clock timeutil.Clock
	logf  func(string, ...interface{})

	mu     sync.Mutex
	speed  float64
	capped bool
	state  DeviceState

	wake chan struct{}
}

func New(s Stage, cfg Config, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		stage: s,
		cfg:   cfg,
		clock: clock,
		logf:  monitoring.Prefixed("jog"),
		wake:  make(chan struct{}, 1),
	}
}

// Sync refreshes the device-state mirrors from the controller.
func (c *Controller) Sync(ctx context.Context) error {
	var st DeviceState
	var err error
	if st.LampOn, err = c.stage.Lamp(ctx); err != nil {
		return fmt.Errorf("query lamp: %w", err)
	}
	if st.Intensity, err = c.stage.LampIntensity(ctx); err != nil {
		return fmt.Errorf("query lamp intensity: %w", err)
	}
	if st.LightPath, err = c.stage.LightPath(ctx); err != nil {
		return fmt.Errorf("query light path: %w", err)
	}
	if st.Sensitivity, err = c.stage.JogSensitivity(ctx); err != nil {
		return fmt.Errorf("query jog sensitivity: %w", err)
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	return nil
}

func (c *Controller) State() DeviceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Speed is the signed move the ramp issues on its next tick; 0 when idle.
func (c *Controller) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Handler adapts HandleButton to the stage button consumer.
func (c *Controller) Handler(ctx context.Context) stage.ButtonHandler {
	return func(code int) {
		if err := c.HandleButton(ctx, code); err != nil {
			c.logf("button %d: %v", code, err)
		}
	}
}

// HandleButton applies the action mapped to code. Unknown codes are ignored.
func (c *Controller) HandleButton(ctx context.Context, code int) error {
	switch code {
	case ButtonJogDown:
		c.startJog(-c.cfg.StartSpeed)
	case ButtonJogUp:
		c.startJog(c.cfg.StartSpeed)
	case ButtonJogStop:
		c.StopJog()
	case ButtonLampToggle:
		on := !c.State().LampOn
		if err := c.stage.SetLamp(ctx, on); err != nil {
			return err
		}
		c.update(func(s *DeviceState) { s.LampOn = on })
	case ButtonIntensityUp, ButtonIntensityDown:
		step := c.cfg.LampStep
		if code == ButtonIntensityDown {
			step = -step
		}
		level := clamp(c.State().Intensity+step, MinIntensity, MaxIntensity)
		if err := c.stage.SetLampIntensity(ctx, level); err != nil {
			return err
		}
		c.update(func(s *DeviceState) { s.Intensity = level })
	case ButtonLightPathToggle:
		path := toggle(c.State().LightPath, c.cfg.LightPaths)
		if err := c.stage.SetLightPath(ctx, path); err != nil {
			return err
		}
		c.update(func(s *DeviceState) { s.LightPath = path })
	case ButtonSensitivityToggle:
		level := toggle(c.State().Sensitivity, c.cfg.SensitivityPresets)
		if err := c.stage.SetJogSensitivity(ctx, level); err != nil {
			return err
		}
		c.update(func(s *DeviceState) { s.Sensitivity = level })
	default:
		c.logf("ignoring unmapped button %d", code)
	}
	return nil
}

func (c *Controller) update(f func(*DeviceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.state)
}

// toggle returns the other preset, or the first when cur matches neither.
func toggle(cur int, presets [2]int) int {
	if cur == presets[0] {
		return presets[1]
	}
	return presets[0]
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func (c *Controller) startJog(speed float64) {
	c.mu.Lock()
	c.speed = speed
	c.capped = false
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// StopJog zeroes the speed. The ramp observes it on its next tick and issues
// no further moves.
func (c *Controller) StopJog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = 0
}

// Run is the ramp task. While the speed is nonzero it moves the stage by the
// current speed every Tick and grows the speed by Growth up to MaxSpeed. A
// failed move stops the jog.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		if c.Speed() == 0 {
			continue
		}
		c.logf("jog started at %.0f", c.Speed())
		if err := c.ramp(ctx); err != nil {
			return err
		}
		c.logf("jog stopped")
	}
}

func (c *Controller) ramp(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		speed := c.Speed()
		if speed == 0 {
			return nil
		}
		if err := c.stage.Move(ctx, int(math.Round(speed))); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logf("jog move failed, stopping: %v", err)
			c.StopJog()
			return nil
		}
		c.grow(speed)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// grow advances the speed unless a button changed it since the move.
func (c *Controller) grow(moved float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speed != moved {
		return
	}
	next := c.speed * c.cfg.Growth
	if limit := c.cfg.MaxSpeed; limit > 0 && math.Abs(next) > limit {
		next = math.Copysign(limit, next)
		if !c.capped {
			c.logf("jog speed capped at %.0f", limit)
			c.capped = true
		}
	}
	c.speed = next
}
