package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"fleetinspect/internal/domain"
	"fleetinspect/pkg/log"
)

const (
	DefaultMaxWidth  = 1920
	DefaultMaxHeight = 1080
	DefaultQuality   = 80
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceNotFound   = errors.New("no camera found")
	ErrDeviceBusy       = errors.New("camera is in use by another application")
	ErrUnsupported      = errors.New("camera not supported")
	ErrOther            = errors.New("camera error")

	ErrNotStarted = errors.New("camera not started")
)

// Range is a requested dimension. Zero fields are unconstrained.
type Range struct {
	Ideal int `json:"ideal,omitempty"`
	Max   int `json:"max,omitempty"`
}

// Constraints describe the stream to negotiate. The zero value accepts any camera.
type Constraints struct {
	FacingMode  string  `json:"facing_mode,omitempty"`
	DeviceID    string  `json:"device_id,omitempty"`
	Width       Range   `json:"width"`
	Height      Range   `json:"height"`
	AspectRatio float64 `json:"aspect_ratio,omitempty"`
	FocusMode   string  `json:"focus_mode,omitempty"`
}

// DefaultConstraints asks for the rear camera at 1080p.
func DefaultConstraints(mobile bool) Constraints {
	c := Constraints{
		FacingMode:  "environment",
		Width:       Range{Ideal: DefaultMaxWidth, Max: DefaultMaxWidth},
		Height:      Range{Ideal: DefaultMaxHeight, Max: DefaultMaxHeight},
		AspectRatio: 16.0 / 9.0,
	}
	if mobile {
		c.FocusMode = "continuous"
	}
	return c
}

// Device opens camera streams.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream yields frames until stopped.
type Stream interface {
	Frame(ctx context.Context) (image.Image, error)
	Stop()
}

// PlatformError is a failure reported by the camera platform under a
// well-known name such as NotAllowedError.
type PlatformError struct {
	Name    string
	Message string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// CameraError carries the classified kind of a camera failure.
type CameraError struct {
	Kind error
	Err  error
}

func (e *CameraError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *CameraError) Is(target error) bool { return target == e.Kind }

func (e *CameraError) Unwrap() error { return e.Err }

// ClassifyError maps a platform failure to one of the camera error kinds.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var ce *CameraError
	if errors.As(err, &ce) {
		return err
	}
	kind := ErrOther
	var pe *PlatformError
	if errors.As(err, &pe) {
		switch pe.Name {
		case "NotAllowedError", "PermissionDeniedError", "SecurityError":
			kind = ErrPermissionDenied
		case "NotFoundError", "DevicesNotFoundError":
			kind = ErrDeviceNotFound
		case "NotReadableError", "TrackStartError", "AbortError":
			kind = ErrDeviceBusy
		case "NotSupportedError", "OverconstrainedError", "ConstraintNotSatisfiedError", "TypeError":
			kind = ErrUnsupported
		}
	}
	return &CameraError{Kind: kind, Err: err}
}

// CalculateDimensions fits width×height into maxWidth×maxHeight keeping the
// aspect ratio. A non-positive bound is ignored.
func CalculateDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	ratio := float64(width) / float64(height)
	w, h := float64(width), float64(height)
	if maxWidth > 0 && w > float64(maxWidth) {
		w = float64(maxWidth)
		h = w / ratio
	}
	if maxHeight > 0 && h > float64(maxHeight) {
		h = float64(maxHeight)
		w = h * ratio
	}
	return int(math.Round(w)), int(math.Round(h))
}

// Camera negotiates a stream on Device and turns frames into JPEG photos.
type Camera struct {
	Device      Device
	Constraints Constraints
	MaxWidth    int
	MaxHeight   int
	Quality     int
	Locator     Locator
	EnableGPS   bool
	Now         func() time.Time
	Log         log.Logger

	mu     sync.Mutex
	stream Stream
}

func NewCamera(dev Device, mobile bool, logger log.Logger) *Camera {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Camera{
		Device:      dev,
		Constraints: DefaultConstraints(mobile),
		MaxWidth:    DefaultMaxWidth,
		MaxHeight:   DefaultMaxHeight,
		Quality:     DefaultQuality,
		Now:         time.Now,
		Log:         logger.WithName("camera"),
	}
}

func (c *Camera) logger() log.Logger {
	if c.Log == nil {
		return log.NewNopLogger()
	}
	return c.Log
}

// Start opens the stream. When the preferred constraints fail it retries
// once with any camera.
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}
	if c.Device == nil {
		return &CameraError{Kind: ErrUnsupported}
	}
	s, err := c.Device.Open(ctx, c.Constraints)
	if err != nil {
		c.logger().Info("preferred camera constraints failed, retrying with any camera", "error", err.Error())
		s, err = c.Device.Open(ctx, Constraints{})
		if err != nil {
			return ClassifyError(err)
		}
	}
	c.stream = s
	return nil
}

func (c *Camera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Capture grabs a frame, scales it down and encodes it as JPEG.
func (c *Camera) Capture(ctx context.Context) (domain.Photo, error) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return domain.Photo{}, ErrNotStarted
	}
	frame, err := s.Frame(ctx)
	if err != nil {
		return domain.Photo{}, ClassifyError(err)
	}
	data, w, h, err := EncodeJPEG(frame, c.MaxWidth, c.MaxHeight, c.Quality)
	if err != nil {
		return domain.Photo{}, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	p := domain.Photo{
		Data:    data,
		MIME:    "image/jpeg",
		Width:   w,
		Height:  h,
		TakenAt: now().UTC(),
	}
	if c.EnableGPS {
		p.Location = Locate(ctx, c.Locator, LocateTimeout)
		if p.Location == nil && c.Locator != nil {
			c.logger().Debug("photo captured without location")
		}
	}
	return p, nil
}

// Stop releases the stream. Calling it again is a no-op.
func (c *Camera) Stop() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// EncodeJPEG scales img to fit the bounds and encodes it.
func EncodeJPEG(img image.Image, maxWidth, maxHeight, quality int) ([]byte, int, int, error) {
	b := img.Bounds()
	w, h := CalculateDimensions(b.Dx(), b.Dy(), maxWidth, maxHeight)
	if w == 0 || h == 0 {
		return nil, 0, 0, fmt.Errorf("%w: empty frame", ErrOther)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var src image.Image = img
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), w, h, nil
}
