package exposure

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/frame"
	"github.com/cjeanneret/CamGo/internal/hw/camlink"
)

// fakeChannel records calls and plays back scripted result codes.
type fakeChannel struct {
	mu    sync.Mutex
	calls []channelCall

	startRCs     []int // consumed per StartExposure call; empty means 0
	readyRCs     []int // consumed per QueryReadyState call; then readyDefault
	readyDefault int
	abortRC      int
	grabN        int // GrabFrame return; -1 means full frame size
}

type channelCall struct {
	op  string
	arg int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{grabN: -1}
}

func (f *fakeChannel) record(op string, arg int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, channelCall{op: op, arg: arg})
}

func (f *fakeChannel) callsFor(op string) []channelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []channelCall
	for _, c := range f.calls {
		if c.op == op {
			result = append(result, c)
		}
	}
	return result
}

func (f *fakeChannel) Open() error  { return nil }
func (f *fakeChannel) Close() error { return nil }
func (f *fakeChannel) Info() camlink.Info {
	return camlink.Info{MaxWidth: 10, MaxHeight: 10, BitsPerPixel: 16}
}
func (f *fakeChannel) Capabilities() camlink.Capabilities { return camlink.Capabilities{} }

func (f *fakeChannel) SetIntegrationTime(ms uint32) int {
	f.record("setIntegrationTime", int(ms))
	return 0
}

func (f *fakeChannel) StartExposure() int {
	f.record("startExposure", 0)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.startRCs) == 0 {
		return 0
	}
	rc := f.startRCs[0]
	f.startRCs = f.startRCs[1:]
	return rc
}

func (f *fakeChannel) AbortExposure() int {
	f.record("abortExposure", 0)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abortRC
}

func (f *fakeChannel) QueryReadyState() int {
	f.record("queryReadyState", 0)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readyRCs) == 0 {
		return f.readyDefault
	}
	rc := f.readyRCs[0]
	f.readyRCs = f.readyRCs[1:]
	return rc
}

func (f *fakeChannel) GrabFrame(width, height int, buf []byte) int {
	f.record("grabFrame", width*height)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grabN == -1 {
		return width * height * 2
	}
	return f.grabN
}

func (f *fakeChannel) SetTemperatureSetpoint(degC float64) int           { return 0 }
func (f *fakeChannel) ReadTemperature() (int, int)                       { return 2000, 0 }
func (f *fakeChannel) ReadCoolerDutyCycle() (float64, int)               { return 0, 0 }
func (f *fakeChannel) CoolerPowerOK() bool                               { return true }
func (f *fakeChannel) SetGain(gain int) int                              { return 0 }
func (f *fakeChannel) SetROI(x, y, width, height int) int                { return 0 }
func (f *fakeChannel) PulseGuide(d camlink.GuideDirection, m uint32) int { return 0 }
func (f *fakeChannel) SetFanEnabled(on bool) int                         { return 0 }

// recordingReporter captures upstream emissions.
type recordingReporter struct {
	mu        sync.Mutex
	progress  []float64
	completes []bool
}

func (r *recordingReporter) ExposureProgress(remaining float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, remaining)
}

func (r *recordingReporter) ExposureComplete(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, ok)
}

func (r *recordingReporter) progressValues() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.progress...)
}

func (r *recordingReporter) completions() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.completes...)
}

// fakeClock replaces both the controller's clock and its sleep: sleeping
// simply advances simulated time.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func (f *fakeClock) sleep(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
	f.sleeps = append(f.sleeps, d)
}

func (f *fakeClock) sleepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sleeps)
}

type harness struct {
	ch     *fakeChannel
	buf    *frame.Buffer
	rep    *recordingReporter
	clock  *fakeClock
	posted chan func()
	ctrl   *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ch:     newFakeChannel(),
		buf:    frame.New(),
		rep:    &recordingReporter{},
		clock:  newFakeClock(),
		posted: make(chan func(), 16),
	}
	if err := h.buf.Resize(10, 10, 16); err != nil {
		t.Fatal(err)
	}
	h.ctrl = NewController(h.ch, h.buf, h.rep, func(fn func()) { h.posted <- fn }, zap.NewNop().Sugar())
	h.ctrl.now = h.clock.now
	h.ctrl.sleep = h.clock.sleep
	return h
}

// drainOne waits for the worker to post its result and runs it, standing
// in for the dispatch goroutine.
func (h *harness) drainOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.posted:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("worker never posted a result")
	}
}

func (h *harness) expectNoPost(t *testing.T) {
	t.Helper()
	select {
	case <-h.posted:
		t.Fatal("unexpected work posted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_StartIssuesCommands(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(2.5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.ctrl.State(); got != Running {
		t.Errorf("state = %s, want running", got)
	}

	setCalls := h.ch.callsFor("setIntegrationTime")
	if len(setCalls) != 1 || setCalls[0].arg != 2500 {
		t.Errorf("setIntegrationTime calls = %v, want one call with 2500ms", setCalls)
	}
	if got := len(h.ch.callsFor("startExposure")); got != 1 {
		t.Errorf("startExposure calls = %d, want 1", got)
	}
}

func TestController_StartRejectsBadDuration(t *testing.T) {
	h := newHarness(t)

	for _, d := range []float64{0, -1.5} {
		if err := h.ctrl.Start(d); err == nil {
			t.Errorf("Start(%g) should fail", d)
		}
	}
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := len(h.ch.callsFor("startExposure")); got != 0 {
		t.Errorf("rejected duration should not touch hardware, got %d start calls", got)
	}
}

func TestController_StartRetriesUntilAccepted(t *testing.T) {
	h := newHarness(t)
	h.ch.startRCs = []int{-5, 0}

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := len(h.ch.callsFor("startExposure")); got != 2 {
		t.Errorf("startExposure calls = %d, want 2", got)
	}
	if got := h.clock.sleepCount(); got != 1 {
		t.Errorf("retry sleeps = %d, want 1", got)
	}
	if got := h.ctrl.State(); got != Running {
		t.Errorf("state = %s, want running", got)
	}
}

func TestController_StartHardwareRejected(t *testing.T) {
	h := newHarness(t)
	h.ch.startRCs = []int{-1, -1, -1}

	err := h.ctrl.Start(1.0)
	if !errors.Is(err, ErrHardwareRejected) {
		t.Fatalf("Start error = %v, want ErrHardwareRejected", err)
	}
	if got := len(h.ch.callsFor("startExposure")); got != 3 {
		t.Errorf("startExposure calls = %d, want 3", got)
	}
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestController_StartWhileRunning(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(5.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Start(1.0); err == nil {
		t.Error("second Start should fail while running")
	}
}

func TestController_PollIdleIsNoOp(t *testing.T) {
	h := newHarness(t)

	if got := h.ctrl.Poll(); got != 0 {
		t.Errorf("Poll() = %v, want 0", got)
	}
	if len(h.ch.calls) != 0 {
		t.Errorf("idle poll should not touch hardware, got %v", h.ch.calls)
	}
}

func TestController_PollCountdownTiers(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(3.0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Remaining 2.5s: stay at base cadence and report the countdown.
	h.clock.advance(500 * time.Millisecond)
	if got := h.ctrl.Poll(); got != 0 {
		t.Errorf("Poll at T=2.5 = %v, want 0", got)
	}
	progress := h.rep.progressValues()
	if len(progress) != 1 || math.Abs(progress[0]-2.5) > 1e-9 {
		t.Errorf("progress = %v, want [2.5]", progress)
	}

	// Remaining 0.9s: tighten to 250ms.
	h.clock.advance(1600 * time.Millisecond)
	if got := h.ctrl.Poll(); got != 250*time.Millisecond {
		t.Errorf("Poll at T=0.9 = %v, want 250ms", got)
	}

	// Remaining 0.2s: tighten to 50ms.
	h.clock.advance(700 * time.Millisecond)
	if got := h.ctrl.Poll(); got != 50*time.Millisecond {
		t.Errorf("Poll at T=0.2 = %v, want 50ms", got)
	}

	// Remaining 0.05s: hand off to the worker, no further scheduled poll.
	h.clock.advance(150 * time.Millisecond)
	if got := h.ctrl.Poll(); got != 0 {
		t.Errorf("Poll at T=0.05 = %v, want 0", got)
	}
	progress = h.rep.progressValues()
	if progress[len(progress)-1] != 0 {
		t.Errorf("handoff should report 0 remaining, got %v", progress)
	}

	h.drainOne(t)
	if got := h.rep.completions(); len(got) != 1 || !got[0] {
		t.Errorf("completions = %v, want [true]", got)
	}
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state after completion = %s, want idle", got)
	}
	if got := len(h.ch.callsFor("grabFrame")); got != 1 {
		t.Errorf("grabFrame calls = %d, want 1", got)
	}
}

func TestController_CompleteExactlyOnce(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.advance(990 * time.Millisecond)
	h.ctrl.Poll()
	h.drainOne(t)

	if got := h.rep.completions(); len(got) != 1 || !got[0] {
		t.Fatalf("completions = %v, want [true]", got)
	}

	// Further polls are no-ops and never produce another completion.
	for i := 0; i < 3; i++ {
		h.clock.advance(time.Second)
		if got := h.ctrl.Poll(); got != 0 {
			t.Errorf("post-completion Poll = %v, want 0", got)
		}
	}
	h.expectNoPost(t)
	if got := h.rep.completions(); len(got) != 1 {
		t.Errorf("completions = %v, want exactly one", got)
	}
}

func TestController_ZeroByteGrabCompletesWithFailure(t *testing.T) {
	h := newHarness(t)
	h.ch.grabN = 0

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.advance(time.Second)
	h.ctrl.Poll()
	h.drainOne(t)

	// An empty transfer is a failure, but the completion must still fire.
	if got := h.rep.completions(); len(got) != 1 || got[0] {
		t.Errorf("completions = %v, want [false]", got)
	}
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestController_BusyBufferCompletesWithFailure(t *testing.T) {
	h := newHarness(t)

	g, err := h.buf.BeginGrab()
	if err != nil {
		t.Fatal(err)
	}
	defer h.buf.EndGrab(g)

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.advance(time.Second)
	h.ctrl.Poll()
	h.drainOne(t)

	if got := h.rep.completions(); len(got) != 1 || got[0] {
		t.Errorf("completions = %v, want [false]", got)
	}
}

func TestController_AbortDuringRunning(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(10.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
	if got := len(h.ch.callsFor("abortExposure")); got != 1 {
		t.Errorf("abortExposure calls = %d, want 1", got)
	}
	if got := h.ctrl.Poll(); got != 0 {
		t.Errorf("Poll after abort = %v, want 0", got)
	}
	h.expectNoPost(t)
	if got := h.rep.completions(); len(got) != 0 {
		t.Errorf("completions after abort = %v, want none", got)
	}
}

func TestController_AbortReportsHardwareError(t *testing.T) {
	h := newHarness(t)
	h.ch.abortRC = -3

	if err := h.ctrl.Start(10.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.ctrl.Abort(); err == nil {
		t.Error("Abort should surface the hardware result")
	}
	// The state machine resets regardless of what the hardware said.
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestController_AbortInterruptsSpin(t *testing.T) {
	h := newHarness(t)
	h.ch.readyDefault = 1 // hardware never reports ready

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.advance(960 * time.Millisecond)
	h.ctrl.Poll() // hands off to the spinning worker

	// Give the worker a moment to enter its wait loop, then abort.
	deadline := time.Now().Add(2 * time.Second)
	for len(h.ch.callsFor("queryReadyState")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never started spinning")
		}
		time.Sleep(time.Millisecond)
	}
	if err := h.ctrl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
	h.expectNoPost(t)
	if got := h.rep.completions(); len(got) != 0 {
		t.Errorf("completions = %v, want none", got)
	}
}

func TestController_AbortDropsLateCompletion(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.clock.advance(time.Second)
	h.ctrl.Poll()

	// Let the worker finish and post its result, but abort before the
	// dispatch goroutine gets to run it.
	var fn func()
	select {
	case fn = <-h.posted:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never posted a result")
	}
	if err := h.ctrl.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	fn()

	if got := h.rep.completions(); len(got) != 0 {
		t.Errorf("completions = %v, want none after abort", got)
	}
	if got := h.ctrl.State(); got != Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestController_SpinSleepProportionalToRemaining(t *testing.T) {
	h := newHarness(t)
	h.ch.readyRCs = []int{1, 1, 0} // busy twice, then ready

	if err := h.ctrl.Start(1.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Hand off with 50ms remaining: check pause should be about 5ms.
	h.clock.advance(950 * time.Millisecond)
	h.ctrl.Poll()
	h.drainOne(t)

	h.clock.mu.Lock()
	sleeps := append([]time.Duration(nil), h.clock.sleeps...)
	h.clock.mu.Unlock()
	if len(sleeps) != 2 {
		t.Fatalf("spin sleeps = %v, want 2 entries", sleeps)
	}
	for _, d := range sleeps {
		if d < 4*time.Millisecond || d > 6*time.Millisecond {
			t.Errorf("spin sleep = %v, want about 5ms", d)
		}
	}
	if got := h.rep.completions(); len(got) != 1 || !got[0] {
		t.Errorf("completions = %v, want [true]", got)
	}
}
