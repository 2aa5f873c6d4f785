package autofocus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autofocus/internal/control"
	"github.com/banshee-data/autofocus/internal/monitoring"
	"github.com/banshee-data/autofocus/internal/profile"
	"github.com/banshee-data/autofocus/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

const sensorLength = 3648

type fakeFrames struct {
	mu    sync.Mutex
	peak  int
	errs  []error
	reads int
}

func (f *fakeFrames) ReadProfile(context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	p := make([]float64, sensorLength)
	if f.peak >= 0 {
		p[f.peak] = 50000
	}
	return p, nil
}

func (f *fakeFrames) setPeak(p int) {
	f.mu.Lock()
	f.peak = p
	f.mu.Unlock()
}

type fakeActuator struct {
	mu    sync.Mutex
	moves []int
	err   error
	gate  chan struct{}
	ctxOK []bool
}

func (a *fakeActuator) Move(ctx context.Context, d int) error {
	if a.gate != nil {
		<-a.gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctxOK = append(a.ctxOK, ctx.Err() == nil)
	if a.err != nil {
		return a.err
	}
	a.moves = append(a.moves, d)
	return nil
}

func (a *fakeActuator) Moves() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.moves...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	ticks  []FeedbackTick
	events []string
}

func (r *fakeRecorder) RecordFeedback(t FeedbackTick) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
	return nil
}

func (r *fakeRecorder) RecordEvent(kind, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	return nil
}

func (r *fakeRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type sinkFunc func(Snapshot)

func (f sinkFunc) Publish(s Snapshot) { f(s) }

type fixture struct {
	loop   *Loop
	frames *fakeFrames
	act    *fakeActuator
	rec    *fakeRecorder
	clock  *timeutil.MockClock
}

func newFixture(t *testing.T, ctrl *control.Controller, opts ...Option) *fixture {
	t.Helper()
	proc, err := profile.NewProcessor(sensorLength, profile.WithOversamples(1))
	require.NoError(t, err)
	f := &fixture{
		frames: &fakeFrames{peak: 1824},
		act:    &fakeActuator{},
		rec:    &fakeRecorder{},
		clock:  timeutil.NewMockClock(time.Unix(1700000000, 0)),
	}
	opts = append([]Option{WithClock(f.clock), WithRecorder(f.rec)}, opts...)
	f.loop = New(f.frames, f.act, proc, ctrl, opts...)
	t.Cleanup(f.loop.Stop)
	return f
}

func TestEndToEndPeakAtSetpointIssuesNoMove(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	ctx := context.Background()

	f.frames.setPeak(-1)
	require.NoError(t, f.loop.AcquireBackground(ctx))
	f.frames.setPeak(1824)

	require.NoError(t, f.loop.SampleOnce(ctx))
	assert.Equal(t, []int{1824}, f.loop.PeakHistory())
	assert.Len(t, f.loop.CurrentProfile(), sensorLength)

	f.loop.SetSetpoint(1824)
	tick, err := f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, tick.Error)
	assert.Equal(t, 0.0, tick.Actuation)
	assert.Empty(t, f.act.Moves())
	require.Len(t, f.rec.ticks, 1)
}

func TestFeedbackDrivesPeakTowardSetpoint(t *testing.T) {
	f := newFixture(t, control.NewProportionalIntegral(0.5, 0, 10))
	ctx := context.Background()

	f.frames.setPeak(1900)
	require.NoError(t, f.loop.SampleOnce(ctx))
	f.loop.SetSetpoint(1824)

	tick, err := f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 76.0, tick.Error)
	assert.Equal(t, []int{-38}, f.act.Moves())
	assert.Equal(t, -38, tick.Moved)

	// proportional law uses the same sign at the call site
	g := newFixture(t, control.NewProportional(0.5, 0))
	g.frames.setPeak(1900)
	require.NoError(t, g.loop.SampleOnce(ctx))
	g.loop.SetSetpoint(1824)
	_, err = g.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{-38}, g.act.Moves())
}

func TestFeedbackActsOncePerSample(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	ctx := context.Background()

	f.frames.setPeak(1900)
	require.NoError(t, f.loop.SampleOnce(ctx))
	f.loop.SetSetpoint(1824)

	// acquisition stalls: no newer snapshot reaches the feedback ticks
	f.frames.errs = []error{errors.New("usb timeout"), errors.New("usb timeout"), errors.New("usb timeout")}
	var ticks []FeedbackTick
	for i := 0; i < 3; i++ {
		assert.Error(t, f.loop.SampleOnce(ctx))
		tick, err := f.loop.FeedbackOnce(ctx)
		require.NoError(t, err)
		ticks = append(ticks, tick)
	}
	assert.Equal(t, []int{-76}, f.act.Moves())
	assert.Equal(t, -76, ticks[0].Moved)
	assert.Empty(t, ticks[0].Skipped)
	for _, tick := range ticks[1:] {
		assert.Equal(t, "stale_peak", tick.Skipped)
		assert.Zero(t, tick.Moved)
	}
	assert.Equal(t, "stale_peak", f.loop.Status().LastTick.Skipped)
	assert.Len(t, f.rec.ticks, 1)

	events := f.rec.Events()
	n := 0
	for _, e := range events {
		if e == "stale_peak" {
			n++
		}
	}
	assert.Equal(t, 1, n, "a stale run is reported once: %v", events)

	// a fresh sample re-enables actuation
	f.frames.setPeak(1850)
	require.NoError(t, f.loop.SampleOnce(ctx))
	_, err := f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{-76, -26}, f.act.Moves())
}

func TestSetpointChangeActsOnCurrentSample(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	ctx := context.Background()

	f.frames.setPeak(1900)
	require.NoError(t, f.loop.SampleOnce(ctx))
	f.loop.SetSetpoint(1824)
	_, err := f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)

	f.loop.SetSetpoint(1880)
	_, err = f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{-76, -20}, f.act.Moves())
}

func TestFailedMoveIsRetriedOnSameSample(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	ctx := context.Background()
	f.act.err = errors.New("stage response timeout")

	require.NoError(t, f.loop.SampleOnce(ctx))
	f.loop.SetSetpoint(1800)
	_, err := f.loop.FeedbackOnce(ctx)
	require.Error(t, err)

	f.act.mu.Lock()
	f.act.err = nil
	f.act.mu.Unlock()
	tick, err := f.loop.FeedbackOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, tick.Skipped)
	assert.Equal(t, []int{-24}, f.act.Moves())
}

func TestFeedbackWithoutSetpointDoesNothing(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	require.NoError(t, f.loop.SampleOnce(context.Background()))
	tick, err := f.loop.FeedbackOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FeedbackTick{}, tick)
	assert.Empty(t, f.act.Moves())
}

func TestCaptureSetpoint(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	_, err := f.loop.CaptureSetpoint()
	assert.ErrorIs(t, err, ErrNoPeak)

	f.frames.setPeak(1500)
	require.NoError(t, f.loop.SampleOnce(context.Background()))
	v, err := f.loop.CaptureSetpoint()
	require.NoError(t, err)
	assert.Equal(t, 1500.0, v)
	assert.Equal(t, 1500.0, *f.loop.Setpoint())
}

func TestSamplingSkipsFailedTicks(t *testing.T) {
	var published atomic.Int32
	f := newFixture(t, control.NewProportional(1, 0),
		WithSinks(sinkFunc(func(Snapshot) { published.Add(1) })))
	f.frames.errs = []error{errors.New("acquisition exhausted"), nil}

	f.loop.StartSampling()
	f.clock.Advance(DefaultSamplingPeriod)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"sampling_started", "sample_skipped"}, f.rec.Events())
	}, time.Second, time.Millisecond)
	assert.True(t, f.loop.Status().Sampling)

	f.clock.Advance(DefaultSamplingPeriod)
	require.Eventually(t, func() bool { return published.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), f.loop.Snapshot().Seq)
	assert.Equal(t, []int{1824}, f.loop.PeakHistory())

	f.loop.StopSampling()
	assert.False(t, f.loop.Status().Sampling)
}

func TestFeedbackStopsItselfWhenMoveFails(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	f.act.err = errors.New("stage response timeout")

	require.NoError(t, f.loop.SampleOnce(context.Background()))
	f.loop.SetSetpoint(1800)

	f.loop.StartFeedback()
	require.True(t, f.loop.Status().Feedback)
	f.clock.Advance(DefaultFeedbackPeriod)

	require.Eventually(t, func() bool { return !f.loop.Status().Feedback }, time.Second, time.Millisecond)
	st := f.loop.Status()
	assert.Contains(t, st.FeedbackError, "stage response timeout")
	require.NotNil(t, st.LastTick)
	assert.Equal(t, -24.0, st.LastTick.Actuation)
	assert.Contains(t, f.rec.Events(), "feedback_failed")

	// a restart clears the failure
	f.act.mu.Lock()
	f.act.err = nil
	f.act.mu.Unlock()
	f.loop.StartFeedback()
	assert.Empty(t, f.loop.Status().FeedbackError)
	f.clock.Advance(DefaultFeedbackPeriod)
	require.Eventually(t, func() bool { return len(f.act.Moves()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.loop.Status().Feedback)
}

func TestStopFeedbackLetsInFlightMoveFinish(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))
	f.act.gate = make(chan struct{})

	require.NoError(t, f.loop.SampleOnce(context.Background()))
	f.loop.SetSetpoint(1800)
	f.loop.StartFeedback()
	f.clock.Advance(DefaultFeedbackPeriod)

	stopped := make(chan struct{})
	go func() {
		f.loop.StopFeedback()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopFeedback returned while a move was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(f.act.gate)
	<-stopped

	assert.Equal(t, []int{-24}, f.act.Moves())
	assert.Equal(t, []bool{true}, f.act.ctxOK, "the move context must survive the stop")
}

func TestActivitiesAreNotReentrant(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	var a activity
	var running, peak, ticks atomic.Int32
	release := make(chan struct{})

	a.start(clock, time.Millisecond, func(context.Context) error {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		ticks.Add(1)
		<-release
		running.Add(-1)
		return nil
	}, func(error) {})

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Millisecond)
	}
	assert.False(t, a.start(clock, time.Millisecond, nil, nil), "second start must be refused")
	close(release)
	a.stop()

	assert.Equal(t, int32(1), peak.Load())
	// the ticks missed while busy collapse into at most one more
	assert.LessOrEqual(t, ticks.Load(), int32(2))
}

func TestSetSmoothingAndBackgroundOps(t *testing.T) {
	f := newFixture(t, control.NewProportional(1, 0))

	require.NoError(t, f.loop.SetSmoothing(2))
	assert.Equal(t, 2.0, f.loop.Status().Sigma)
	assert.Error(t, f.loop.SetSmoothing(-1))

	require.NoError(t, f.loop.SampleOnce(context.Background()))
	assert.Len(t, f.loop.CurrentProfile(), sensorLength-16)
	// the smoothed peak sits half a kernel to the left
	assert.Equal(t, []int{1824 - 8}, f.loop.PeakHistory())

	f.loop.ClearBackground()
	f.frames.errs = []error{errors.New("usb timeout")}
	assert.Error(t, f.loop.AcquireBackground(context.Background()))

	assert.Equal(t,
		[]string{"smoothing", "background_cleared"},
		f.rec.Events())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, control.NewProportionalIntegral(0.1, 0.01, 10))
	st := f.loop.Status()
	assert.False(t, st.Sampling)
	assert.False(t, st.Feedback)
	assert.Nil(t, st.Setpoint)
	assert.Nil(t, st.LastPeak)
	assert.Equal(t, "pi", st.Law)

	require.NoError(t, f.loop.SampleOnce(context.Background()))
	f.loop.SetSetpoint(1000)
	st = f.loop.Status()
	require.NotNil(t, st.LastPeak)
	assert.Equal(t, 1824, *st.LastPeak)
	assert.Equal(t, 1000.0, *st.Setpoint)
	assert.Equal(t, uint64(1), st.Samples)
}
