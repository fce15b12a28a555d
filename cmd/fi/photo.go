package main

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"fleetinspect/internal/app"
	"fleetinspect/internal/capture"
	"fleetinspect/internal/domain"
)

// fileDevice serves a still image as a one-frame camera.
type fileDevice struct {
	path string
}

type stillStream struct {
	img image.Image
}

func (s stillStream) Frame(ctx context.Context) (image.Image, error) { return s.img, ctx.Err() }

func (stillStream) Stop() {}

func (d fileDevice) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &capture.PlatformError{Name: "NotFoundError", Message: err.Error()}
		}
		return nil, &capture.PlatformError{Name: "NotReadableError", Message: err.Error()}
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &capture.PlatformError{Name: "NotSupportedError", Message: err.Error()}
	}
	return stillStream{img: img}, nil
}

// photoFromFile runs an image file through the camera pipeline: scaled to
// the capture bounds, encoded as JPEG and tagged with loc when GPS is on.
func photoFromFile(ctx context.Context, path string, a *app.Context, loc *domain.Location) (domain.Photo, error) {
	cam := capture.NewCamera(fileDevice{path: path}, a.Config.Flow.Mobile, a.Log)
	cam.EnableGPS = a.Engine.Policy().EnableGPS
	if loc != nil {
		fix := *loc
		cam.Locator = capture.LocatorFunc(func(ctx context.Context) (domain.Location, error) {
			return fix, nil
		})
	}
	if err := cam.Start(ctx); err != nil {
		return domain.Photo{}, err
	}
	defer cam.Stop()
	p, err := cam.Capture(ctx)
	if err != nil {
		return domain.Photo{}, err
	}
	p.Device = "file:" + filepath.Base(path)
	return p, nil
}
