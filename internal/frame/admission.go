// Package frame decides which inbound screen frames reach the renderer.
package frame

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // host frames are JPEG
	_ "image/png"
	"math"
	"time"

	"github.com/1ureka/deskwire/internal/protocol"
	"github.com/1ureka/deskwire/internal/util"
)

// Frame is one admitted still of the remote screen.
type Frame struct {
	ID        int64
	Image     image.Image
	Format    string // "jpeg", "png", ...
	Raw       []byte // encoded image bytes
	Timestamp time.Time
}

// Decoder turns encoded image bytes into a renderable image.
type Decoder func(data []byte) (image.Image, string, error)

// DecodeImage is the default Decoder backed by the registered image formats.
func DecodeImage(data []byte) (image.Image, string, error) {
	return image.Decode(bytes.NewReader(data))
}

// Verdict explains the outcome of Admit.
type Verdict int

const (
	Admitted Verdict = iota
	DroppedInterval
	DroppedSkip
	DroppedStale
	DroppedUndecodable
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case DroppedInterval:
		return "too soon"
	case DroppedSkip:
		return "skipped"
	case DroppedStale:
		return "stale"
	case DroppedUndecodable:
		return "undecodable"
	default:
		return "unknown"
	}
}

// noFrame sits below any id a host can assign.
const noFrame = math.MinInt64

// Controller applies, in order: minimum render spacing, the alternating skip
// counter, frame-id monotonicity and decodability. It is not safe for
// concurrent use; the session event loop owns it.
type Controller struct {
	minInterval time.Duration
	keepEvery   int
	decode      Decoder

	lastID     int64
	lastRender time.Time
	candidates int
}

// NewController creates a controller that admits at most one frame per
// minInterval and one candidate out of every keepEvery that pass the spacing
// check. A nil decode uses DecodeImage.
func NewController(minInterval time.Duration, keepEvery int, decode Decoder) *Controller {
	if keepEvery < 1 {
		keepEvery = 1
	}
	if decode == nil {
		decode = DecodeImage
	}
	return &Controller{
		minInterval: minInterval,
		keepEvery:   keepEvery,
		decode:      decode,
		lastID:      noFrame,
	}
}

// Admit evaluates one SCREEN_DATA message received at now. The returned
// frame is non-nil only when the verdict is Admitted.
func (c *Controller) Admit(msg protocol.ScreenData, now time.Time) (*Frame, Verdict) {
	if !c.lastRender.IsZero() && now.Sub(c.lastRender) < c.minInterval {
		return nil, DroppedInterval
	}

	c.candidates++
	if c.candidates%c.keepEvery != 0 {
		return nil, DroppedSkip
	}

	if msg.FrameID <= c.lastID {
		util.LogDebug("dropping frame %d (last admitted %d)", msg.FrameID, c.lastID)
		return nil, DroppedStale
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		util.LogWarning("frame %d: %v", msg.FrameID, fmt.Errorf("invalid base64: %w", err))
		return nil, DroppedUndecodable
	}

	img, format, err := c.decode(raw)
	if err != nil {
		util.LogWarning("frame %d: %v", msg.FrameID, fmt.Errorf("invalid image: %w", err))
		return nil, DroppedUndecodable
	}

	c.lastID = msg.FrameID
	c.lastRender = now

	return &Frame{
		ID:        msg.FrameID,
		Image:     img,
		Format:    format,
		Raw:       raw,
		Timestamp: now,
	}, Admitted
}

// LastID returns the id of the last admitted frame and whether one exists.
func (c *Controller) LastID() (int64, bool) {
	return c.lastID, c.lastID != noFrame
}

// Reset returns the controller to its initial state.
func (c *Controller) Reset() {
	c.lastID = noFrame
	c.lastRender = time.Time{}
	c.candidates = 0
}
