// Package autofocus ties the sensor, the signal processor, the feedback law and
// the stage together. Two periodic activities run independently: sampling
// turns frames into a tracked peak, and feedback moves the stage to keep that
// peak on the setpoint.
package autofocus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autofocus/internal/control"
	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/profile"
	"github.com/banshee-data/autofocus/internal/timeutil"
)

const (
	DefaultSamplingPeriod = 100 * time.Millisecond
	DefaultFeedbackPeriod = 200 * time.Millisecond
)

var ErrNoPeak = errors.New("no peak recorded yet")

// ProfileSource delivers dark-corrected raw profiles, retrying transient
// acquisition failures itself.
type ProfileSource interface {
	ReadProfile(ctx context.Context) ([]float64, error)
}

// Actuator is the stage move the feedback activity issues.
type Actuator interface {
	Move(ctx context.Context, distance int) error
}

// Sink receives every snapshot the sampling activity produces. Publish must
// not block.
type Sink interface {
	Publish(Snapshot)
}

// Recorder persists feedback ticks and control events.
type Recorder interface {
	RecordFeedback(FeedbackTick) error
	RecordEvent(kind, detail string) error
}

// Snapshot is an immutable view of the processed signal after one sample.
type Snapshot struct {
	Seq         uint64    `json:"seq"`
	Time        time.Time `json:"time"`
	Profile     []float64 `json:"profile"`
	Peak        int       `json:"peak"`
	PeakHistory []int     `json:"peak_history"`
	Setpoint    *float64  `json:"setpoint,omitempty"`
}

// FeedbackTick describes one feedback evaluation.
type FeedbackTick struct {
	Time      time.Time `json:"time"`
	Peak      int       `json:"peak"`
	Setpoint  float64   `json:"setpoint"`
	Error     float64   `json:"error"`
	Actuation float64   `json:"actuation"`
	Moved     int       `json:"moved"`
	Failure   string    `json:"failure,omitempty"`
	Skipped   string    `json:"skipped,omitempty"`
}

// Status summarises the loop for the control surface.
type Status struct {
	Sampling      bool          `json:"sampling"`
	Feedback      bool          `json:"feedback"`
	Setpoint      *float64      `json:"setpoint,omitempty"`
	LastPeak      *int          `json:"last_peak,omitempty"`
	LastTick      *FeedbackTick `json:"last_tick,omitempty"`
	FeedbackError string        `json:"feedback_error,omitempty"`
	Sigma         float64       `json:"sigma"`
	Law           string        `json:"law"`
	Samples       uint64        `json:"samples"`
}

// Loop is the autofocus control surface.
type Loop struct {
	frames ProfileSource
	stage  Actuator
	ctrl   *control.Controller
	clock  timeutil.Clock
	logf   func(string, ...interface{})

	samplingPeriod time.Duration
	feedbackPeriod time.Duration
	sinks          []Sink
	recorder       Recorder

	// procMu serialises sampling ticks with the one-shot operations that
	// touch the processor.
	procMu sync.Mutex
	proc   *profile.Processor

	mu            sync.Mutex
	setpoint      *float64
	lastTick      *FeedbackTick
	feedbackError string

	// actedSeq is the snapshot the last completed actuation was computed
	// from; stale marks a run of ticks skipped for want of a newer one.
	actedSeq uint64
	stale    bool

	snap atomic.Pointer[Snapshot]
	seq  atomic.Uint64

	sampling activity
	feedback activity
}

type Option func(*Loop)

func WithClock(c timeutil.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithPeriods overrides the sampling and feedback periods. Zero keeps the default.
func WithPeriods(sampling, feedback time.Duration) Option {
	return func(l *Loop) {
		if sampling > 0 {
			l.samplingPeriod = sampling
		}
		if feedback > 0 {
			l.feedbackPeriod = feedback
		}
	}
}

func WithSinks(s ...Sink) Option { return func(l *Loop) { l.sinks = append(l.sinks, s...) } }

func WithRecorder(r Recorder) Option { return func(l *Loop) { l.recorder = r } }

func New(frames ProfileSource, stage Actuator, proc *profile.Processor, ctrl *control.Controller, opts ...Option) *Loop {
	l := &Loop{
		frames:         frames,
		stage:          stage,
		proc:           proc,
		ctrl:           ctrl,
		clock:          timeutil.RealClock{},
		logf:           monitoring.Prefixed("autofocus"),
		samplingPeriod: DefaultSamplingPeriod,
		feedbackPeriod: DefaultFeedbackPeriod,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Loop) event(kind, format string, v ...interface{}) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordEvent(kind, fmt.Sprintf(format, v...)); err != nil {
		l.logf("failed to record %s event: %v", kind, err)
	}
}

// StartSampling begins periodic sampling. It is a no-op when already running.
func (l *Loop) StartSampling() {
	if l.sampling.start(l.clock, l.samplingPeriod, l.sample, func(error) {}) {
		l.logf("sampling started every %s", l.samplingPeriod)
		l.event("sampling_started", "%s", l.samplingPeriod)
	}
}

// StopSampling stops sampling after any in-flight tick completes.
func (l *Loop) StopSampling() {
	if l.sampling.stop() {
		l.logf("sampling stopped")
		l.event("sampling_stopped", "")
	}
}

// StartFeedback begins periodic actuation. It is a no-op when already running.
func (l *Loop) StartFeedback() {
	l.mu.Lock()
	l.feedbackError = ""
	l.mu.Unlock()
	if l.feedback.start(l.clock, l.feedbackPeriod, l.feedbackTick, l.feedbackFailed) {
		l.logf("feedback started every %s (%s law)", l.feedbackPeriod, l.ctrl.Law())
		l.event("feedback_started", "%s law", l.ctrl.Law())
	}
}

// StopFeedback stops actuation. An in-flight move is allowed to complete.
func (l *Loop) StopFeedback() {
	if l.feedback.stop() {
		l.logf("feedback stopped")
		l.event("feedback_stopped", "")
	}
}

// Stop stops both activities.
func (l *Loop) Stop() {
	l.StopFeedback()
	l.StopSampling()
}

func (l *Loop) feedbackFailed(err error) {
	l.mu.Lock()
	l.feedbackError = err.Error()
	l.mu.Unlock()
	l.logf("feedback stopped after a failed move: %v", err)
	l.event("feedback_failed", "%v", err)
}

// SampleOnce runs one sampling tick synchronously.
func (l *Loop) SampleOnce(ctx context.Context) error {
	raw, err := l.frames.ReadProfile(ctx)
	if err != nil {
		return err
	}
	l.procMu.Lock()
	prof, peak, err := l.proc.Process(raw)
	if err != nil {
		l.procMu.Unlock()
		return err
	}
	hist := l.proc.PeakHistory()
	l.procMu.Unlock()

	s := &Snapshot{
		Seq:         l.seq.Add(1),
		Time:        l.clock.Now(),
		Profile:     prof,
		Peak:        peak,
		PeakHistory: hist,
		Setpoint:    l.Setpoint(),
	}
	l.snap.Store(s)
	for _, sink := range l.sinks {
		sink.Publish(*s)
	}
	return nil
}

// sample never ends the activity: a failed acquisition skips the tick.
func (l *Loop) sample(ctx context.Context) error {
	if err := l.SampleOnce(ctx); err != nil && ctx.Err() == nil {
		l.logf("skipping sample: %v", err)
		l.event("sample_skipped", "%v", err)
	}
	return nil
}

// FeedbackOnce runs one feedback evaluation synchronously. Without a setpoint
// or a recorded peak it does nothing. A zero actuation issues no move.
//
// Each snapshot drives at most one actuation: while sampling has produced
// nothing newer than the peak last acted on, the tick is skipped and marked
// stale_peak. A failed move leaves the snapshot eligible for the next tick.
func (l *Loop) FeedbackOnce(ctx context.Context) (FeedbackTick, error) {
	s := l.snap.Load()
	sp := l.Setpoint()
	if s == nil || sp == nil {
		return FeedbackTick{}, nil
	}
	tick := FeedbackTick{
		Time:     l.clock.Now(),
		Peak:     s.Peak,
		Setpoint: *sp,
		Error:    float64(s.Peak) - *sp,
	}

	l.mu.Lock()
	if s.Seq == l.actedSeq {
		tick.Skipped = "stale_peak"
		first := !l.stale
		l.stale = true
		l.lastTick = &tick
		l.mu.Unlock()
		if first {
			l.logf("no new sample since seq %d, holding the stage", s.Seq)
			l.event("stale_peak", "seq %d", s.Seq)
		}
		return tick, nil
	}
	l.stale = false
	l.mu.Unlock()

	tick.Actuation = l.ctrl.Actuation(tick.Error)
	distance := int(math.Round(tick.Actuation))

	var err error
	if distance != 0 {
		// stopping feedback must not abandon a move already on the wire
		if err = l.stage.Move(context.WithoutCancel(ctx), distance); err == nil {
			tick.Moved = distance
		} else {
			tick.Failure = err.Error()
		}
	}

	l.mu.Lock()
	l.lastTick = &tick
	if err == nil {
		l.actedSeq = s.Seq
	}
	l.mu.Unlock()
	if l.recorder != nil {
		if rerr := l.recorder.RecordFeedback(tick); rerr != nil {
			l.logf("failed to record feedback tick: %v", rerr)
		}
	}
	if err != nil {
		return tick, fmt.Errorf("move %d: %w", distance, err)
	}
	return tick, nil
}

func (l *Loop) feedbackTick(ctx context.Context) error {
	_, err := l.FeedbackOnce(ctx)
	return err
}

// SetSetpoint sets the target peak position.
func (l *Loop) SetSetpoint(v float64) {
	l.mu.Lock()
	l.setpoint = &v
	// the current peak has not been acted on against this setpoint
	l.actedSeq = 0
	l.mu.Unlock()
	l.logf("setpoint %.1f", v)
	l.event("setpoint", "%.1f", v)
}

// CaptureSetpoint sets the setpoint to the latest peak and returns it.
func (l *Loop) CaptureSetpoint() (float64, error) {
	s := l.snap.Load()
	if s == nil {
		return 0, ErrNoPeak
	}
	v := float64(s.Peak)
	l.SetSetpoint(v)
	return v, nil
}

// Setpoint returns the current setpoint, or nil if none was set.
func (l *Loop) Setpoint() *float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setpoint == nil {
		return nil
	}
	v := *l.setpoint
	return &v
}

// AcquireBackground reads a fresh frame and makes it the background
// reference. It runs between sampling ticks.
func (l *Loop) AcquireBackground(ctx context.Context) error {
	l.procMu.Lock()
	defer l.procMu.Unlock()
	raw, err := l.frames.ReadProfile(ctx)
	if err != nil {
		return fmt.Errorf("acquire background: %w", err)
	}
	if err := l.proc.SetBackground(raw); err != nil {
		return err
	}
	l.logf("background acquired")
	l.event("background_acquired", "")
	return nil
}

func (l *Loop) ClearBackground() {
	l.procMu.Lock()
	l.proc.ClearBackground()
	l.procMu.Unlock()
	l.logf("background cleared")
	l.event("background_cleared", "")
}

// SetSmoothing changes the Gaussian smoothing width; 0 disables it. The
// oversample buffer restarts from zero.
func (l *Loop) SetSmoothing(sigma float64) error {
	l.procMu.Lock()
	err := l.proc.SetSmoothing(sigma)
	l.procMu.Unlock()
	if err != nil {
		return err
	}
	l.logf("smoothing sigma %v", sigma)
	l.event("smoothing", "%v", sigma)
	return nil
}

// CurrentProfile returns the latest processed profile.
func (l *Loop) CurrentProfile() []float64 {
	if s := l.snap.Load(); s != nil {
		return append([]float64(nil), s.Profile...)
	}
	return nil
}

// PeakHistory returns the recorded peaks, oldest first.
func (l *Loop) PeakHistory() []int {
	if s := l.snap.Load(); s != nil {
		return append([]int(nil), s.PeakHistory...)
	}
	return nil
}

// Snapshot returns the latest snapshot, or nil before the first sample.
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}

func (l *Loop) Status() Status {
	st := Status{
		Sampling: l.sampling.running(),
		Feedback: l.feedback.running(),
		Setpoint: l.Setpoint(),
		Law:      l.ctrl.Law().String(),
		Samples:  l.seq.Load(),
	}
	if s := l.snap.Load(); s != nil {
		p := s.Peak
		st.LastPeak = &p
	}
	l.procMu.Lock()
	st.Sigma = l.proc.Sigma()
	l.procMu.Unlock()

	l.mu.Lock()
	if l.lastTick != nil {
		t := *l.lastTick
		st.LastTick = &t
	}
	st.FeedbackError = l.feedbackError
	l.mu.Unlock()
	return st
}
