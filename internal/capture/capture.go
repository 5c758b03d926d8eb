// Package capture fetches a single frame from the meter camera.
package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"github.com/disintegration/imaging"
)

// DefaultTimeout bounds one snapshot request.
const DefaultTimeout = 10 * time.Second

// Source produces one frame per call.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
}

// NewSource picks the source for camURL: http(s) URLs are snapshot
// endpoints, anything else is an image file.
func NewSource(camURL string, timeout time.Duration) (Source, error) {
	switch {
	case camURL == "":
		return nil, errors.New().WithMessage(ErrNoSource, "cameraDesc.camUrl is empty")
	case strings.HasPrefix(camURL, "http://"), strings.HasPrefix(camURL, "https://"):
		return NewHTTPSource(camURL, timeout), nil
	default:
		return &FileSource{Path: camURL}, nil
	}
}

// HTTPSource fetches a JPEG or PNG snapshot.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Capture(ctx context.Context) (image.Image, error) {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, errFactory.Wrap(ErrFetchFrame, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrFetchFrame, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errFactory.WithData(ErrBadStatus, resp.Status)
	}

	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, errFactory.Wrap(ErrDecodeFrame, err)
	}

	return checkFrame(img)
}

// FileSource reads the frame from disk, e.g. a snapshot written by an
// external capture tool.
type FileSource struct {
	Path string
}

func (s *FileSource) Capture(_ context.Context) (image.Image, error) {
	img, err := imaging.Open(s.Path)
	if err != nil {
		return nil, errors.New().Wrap(ErrDecodeFrame, err)
	}
	return checkFrame(img)
}

func checkFrame(img image.Image) (image.Image, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New().New(ErrEmptyFrame)
	}
	return img, nil
}

// Rectify rotates the frame counter-clockwise by degrees about its centre.
// It always produces a new image, including for 0 degrees. Quarter turns
// swap the frame dimensions; any other angle keeps the source bounds so
// mask rectangles stay in the source frame coordinates.
func Rectify(img image.Image, degrees float64) image.Image {
	rotated := imaging.Rotate(img, degrees, color.Black)
	if math.Mod(degrees, 90) == 0 {
		return rotated
	}
	b := img.Bounds()
	return imaging.CropCenter(rotated, b.Dx(), b.Dy())
}

func (s *HTTPSource) String() string { return fmt.Sprintf("http source %s", s.url) }
func (s *FileSource) String() string { return fmt.Sprintf("file source %s", s.Path) }
