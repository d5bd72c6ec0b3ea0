package exposure

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cjeanneret/CamGo/internal/frame"
	"github.com/cjeanneret/CamGo/internal/hw/camlink"
)

// State is the exposure lifecycle phase.
type State int32

const (
	// Idle means no exposure is active.
	Idle State = iota
	// Running means the camera is integrating and the controller is
	// counting down via Poll.
	Running
	// DownloadPending means the countdown is nearly over and the blocking
	// tail (ready spin plus grab) has been handed to the worker goroutine.
	DownloadPending
	// Downloading means the worker is transferring the frame.
	Downloading
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case DownloadPending:
		return "download-pending"
	case Downloading:
		return "downloading"
	}
	return "unknown"
}

// ErrHardwareRejected is returned when the camera refuses the start
// command on every attempt.
var ErrHardwareRejected = errors.New("start command rejected by camera")

const (
	startAttempts   = 3
	startRetryDelay = 100 * time.Millisecond
)

// Reporter receives what the controller publishes upstream: the countdown
// while an exposure runs and exactly one completion per started exposure.
// Both calls arrive on the dispatch goroutine.
type Reporter interface {
	ExposureProgress(remainingSec float64)
	ExposureComplete(ok bool)
}

// Controller owns the exposure state machine for one camera: issuing the
// exposure command, countdown bookkeeping, adaptive poll tightening, the
// terminal ready spin, and frame retrieval into the owned buffer.
//
// Start, Abort and Poll must be called from the dispatch goroutine. The
// blocking tail of an exposure runs on a short-lived worker goroutine and
// reports back through post; an atomic flag lets Abort interrupt the
// worker's wait loop within one check interval.
type Controller struct {
	ch  camlink.Channel
	buf *frame.Buffer
	rep Reporter
	log *zap.SugaredLogger

	state   atomic.Int32
	aborted atomic.Bool

	// seq numbers exposure attempts. Bumped on every start and abort, so
	// a completion posted by a worker whose attempt was aborted in the
	// meantime identifies itself as stale and is dropped.
	seq       uint64
	duration  float64
	startedAt time.Time

	post  func(func())
	now   func() time.Time
	sleep func(time.Duration)
}

// NewController creates an exposure controller. post marshals worker
// results onto the dispatch goroutine.
func NewController(ch camlink.Channel, buf *frame.Buffer, rep Reporter, post func(func()), log *zap.SugaredLogger) *Controller {
	return &Controller{
		ch:    ch,
		buf:   buf,
		rep:   rep,
		post:  post,
		log:   log,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Start begins an exposure of the given duration in seconds. The start
// command is attempted a few times before giving up because some camera
// firmwares refuse it while still flushing the previous frame.
func (c *Controller) Start(duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("exposure duration must be > 0, got %g", duration)
	}
	if c.State() != Idle {
		return fmt.Errorf("exposure already in progress (%s)", c.State())
	}

	ms := uint32(duration * 1000.0)
	rc := c.ch.SetIntegrationTime(ms)
	c.log.Debugf("SetIntegrationTime(%d) rc=%d", ms, rc)

	rc = -1
	for i := 0; i < startAttempts; i++ {
		rc = c.ch.StartExposure()
		if rc >= 0 {
			break
		}
		c.log.Debugf("StartExposure attempt %d/%d rc=%d", i+1, startAttempts, rc)
		c.sleep(startRetryDelay)
	}
	if rc < 0 {
		return fmt.Errorf("%w (rc=%d after %d attempts)", ErrHardwareRejected, rc, startAttempts)
	}

	c.duration = duration
	c.startedAt = c.now()
	c.aborted.Store(false)
	c.seq++
	c.state.Store(int32(Running))
	c.log.Infof("taking a %g second frame", duration)
	return nil
}

// Abort stops the current exposure attempt. The state always returns to
// Idle and any in-flight download is invalidated; the returned error only
// reflects whether the hardware accepted the abort command.
func (c *Controller) Abort() error {
	c.seq++
	c.aborted.Store(true)
	rc := c.ch.AbortExposure()
	c.state.Store(int32(Idle))
	c.log.Debugf("AbortExposure rc=%d", rc)
	if rc < 0 {
		return fmt.Errorf("abort command rejected by camera (rc=%d)", rc)
	}
	return nil
}

// Poll advances a running exposure. The returned duration is the
// tightened interval to use for the next poll; 0 means the base cadence
// is fine. Near the end of the countdown the blocking tail is handed to
// the worker goroutine and no further tightening is requested.
func (c *Controller) Poll() time.Duration {
	if c.State() != Running {
		return 0
	}

	remaining := c.duration - c.now().Sub(c.startedAt).Seconds()
	switch {
	case remaining >= 1.0:
		c.rep.ExposureProgress(remaining)
		return 0
	case remaining >= 0.25:
		return 250 * time.Millisecond
	case remaining >= 0.07:
		return 50 * time.Millisecond
	default:
		// It's real close now. Rescheduling overhead would exceed the
		// remaining wait, so spin on the hardware off the dispatch thread.
		c.state.Store(int32(DownloadPending))
		c.rep.ExposureProgress(0)
		go c.download(c.seq, remaining)
		return 0
	}
}

// download runs the blocking tail of an exposure: wait until the camera
// reports the frame ready, checking the abort flag between queries, then
// transfer it. Runs on its own goroutine; the result is posted back to
// the dispatch goroutine.
func (c *Controller) download(seq uint64, remaining float64) {
	pause := time.Duration(math.Abs(100000*remaining)) * time.Microsecond
	for c.ch.QueryReadyState() != 0 {
		if c.aborted.Load() {
			return
		}
		c.sleep(pause)
	}

	if !c.state.CompareAndSwap(int32(DownloadPending), int32(Downloading)) {
		// Aborted while spinning; the hardware has already been told.
		return
	}

	ok := c.grab()
	c.post(func() { c.finish(seq, ok) })
}

func (c *Controller) grab() bool {
	g, err := c.buf.BeginGrab()
	if err != nil {
		c.log.Warnf("frame buffer unavailable for download: %v", err)
		return false
	}
	defer c.buf.EndGrab(g)

	n := c.ch.GrabFrame(c.buf.Width(), c.buf.Height(), g.Bytes())
	if n <= 0 {
		c.log.Warnf("frame download failed, %d bytes transferred", n)
		return false
	}
	c.log.Debugf("downloaded %d bytes", n)
	return true
}

// finish runs on the dispatch goroutine and closes out one attempt.
// The completion is emitted exactly once per started exposure: a stale
// seq means the attempt was aborted after the worker finished and the
// result must be dropped.
func (c *Controller) finish(seq uint64, ok bool) {
	if seq != c.seq || c.State() != Downloading {
		c.log.Debugf("dropping completion for superseded exposure attempt %d", seq)
		return
	}
	c.state.Store(int32(Idle))
	if ok {
		c.log.Info("download complete")
	} else {
		c.log.Warn("download error, completing with failure flag")
	}
	c.rep.ExposureComplete(ok)
}
