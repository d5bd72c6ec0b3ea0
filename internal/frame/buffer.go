package frame

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBufferBusy is returned when a resize or grab request arrives while
// an exclusive grab token is outstanding. The condition is transient;
// callers should retry once the grab completes.
var ErrBufferBusy = errors.New("frame buffer busy")

// SlackBytes is extra room kept past the pixel data. Some camera links
// prepend metadata to the transfer, so the grab target must be a little
// larger than the frame itself.
const SlackBytes = 512

// Buffer is the byte region a downloaded frame is written into. It is
// owned by one camera instance and resized whenever the sub-frame region
// or binning changes. Access during a grab is exclusive: BeginGrab hands
// out a token and everything else fails with ErrBufferBusy until EndGrab.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	width   int
	height  int
	bits    int
	grabbed bool
}

// New creates an empty buffer. Resize must be called before the first grab.
func New() *Buffer {
	return &Buffer{}
}

// Resize reallocates the buffer for the given sub-frame geometry.
// Capacity is the pixel data size rounded up to whole bytes plus SlackBytes.
// Fails with ErrBufferBusy while a grab token is outstanding so an active
// download can never have its target shrunk underneath it.
func (b *Buffer) Resize(widthPx, heightPx, bitsPerPixel int) error {
	if widthPx <= 0 || heightPx <= 0 || bitsPerPixel <= 0 {
		return fmt.Errorf("invalid frame geometry %dx%dx%d", widthPx, heightPx, bitsPerPixel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grabbed {
		return ErrBufferBusy
	}

	capacity := (widthPx*heightPx*bitsPerPixel+7)/8 + SlackBytes
	if capacity != len(b.data) {
		b.data = make([]byte, capacity)
	}
	b.width = widthPx
	b.height = heightPx
	b.bits = bitsPerPixel
	return nil
}

// Grab is the exclusive access token handed out by BeginGrab.
type Grab struct {
	buf  *Buffer
	data []byte
}

// Bytes returns the full grab target, pixel data plus slack.
func (g *Grab) Bytes() []byte {
	return g.data
}

// BeginGrab acquires exclusive access for a frame download.
// A second BeginGrab while a token is outstanding fails with ErrBufferBusy.
func (b *Buffer) BeginGrab() (*Grab, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grabbed {
		return nil, ErrBufferBusy
	}
	if len(b.data) == 0 {
		return nil, errors.New("frame buffer not sized yet")
	}
	b.grabbed = true
	return &Grab{buf: b, data: b.data}, nil
}

// EndGrab releases the token. Releasing a token that does not belong to
// this buffer, or releasing twice, is a no-op.
func (b *Buffer) EndGrab(g *Grab) {
	if g == nil || g.buf != b {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	g.buf = nil
	b.grabbed = false
}

// Capacity returns the allocated size in bytes, including slack.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// FrameSize returns the pixel data size in bytes, without slack.
func (b *Buffer) FrameSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return (b.width*b.height*b.bits + 7) / 8
}

// Width returns the current sub-frame width in pixels.
func (b *Buffer) Width() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width
}

// Height returns the current sub-frame height in pixels.
func (b *Buffer) Height() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height
}

// BitsPerPixel returns the current sub-frame bit depth.
func (b *Buffer) BitsPerPixel() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits
}
