package capture_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/meterreader/internal/capture"
	"codeberg.org/mutker/meterreader/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewSource(t *testing.T) {
	src, err := capture.NewSource("http://cam.local/snapshot.jpg", time.Second)
	require.NoError(t, err)
	assert.IsType(t, &capture.HTTPSource{}, src)

	src, err = capture.NewSource("/var/lib/meterreader/frame.jpg", time.Second)
	require.NoError(t, err)
	assert.IsType(t, &capture.FileSource{}, src)

	_, err = capture.NewSource("", time.Second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, capture.ErrNoSource))
}

func TestHTTPSource(t *testing.T) {
	frame := encodePNG(t, 64, 48)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/snapshot.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(frame)
		case "/garbage":
			_, _ = w.Write([]byte("not an image"))
		default:
			http.Error(w, "camera offline", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name string
		path string
		code errors.ErrorCode
	}{
		{"snapshot", "/snapshot.png", ""},
		{"bad status", "/offline", capture.ErrBadStatus},
		{"undecodable", "/garbage", capture.ErrDecodeFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := capture.NewHTTPSource(srv.URL+tt.path, time.Second)
			img, err := src.Capture(context.Background())

			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
				return
			}

			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), err.Error())
		})
	}
}

func TestHTTPSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := capture.NewHTTPSource(url, time.Second).Capture(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, capture.ErrFetchFrame))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, encodePNG(t, 10, 20), 0o600))

	img, err := (&capture.FileSource{Path: path}).Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())

	_, err = (&capture.FileSource{Path: path + ".missing"}).Capture(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, capture.ErrDecodeFrame))
}

func TestRectify(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))

	same := capture.Rectify(img, 0)
	assert.Equal(t, image.Rect(0, 0, 40, 20), same.Bounds())
	assert.NotSame(t, img, same)

	rotated := capture.Rectify(img, 90)
	assert.Equal(t, image.Rect(0, 0, 20, 40), rotated.Bounds())
}

func TestRectifySkewKeepsGeometry(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 20; y < 28; y++ {
		for x := 28; x < 36; x++ {
			img.Set(x, y, color.White)
		}
	}

	for _, deg := range []float64{3, -3, 12.5} {
		out := capture.Rectify(img, deg)
		require.Equal(t, image.Rect(0, 0, 64, 48), out.Bounds(), "angle %v", deg)

		r, g, b, _ := out.At(32, 24).RGBA()
		assert.Greater(t, r>>8, uint32(200), "centre stays in place at %v", deg)
		assert.Greater(t, g>>8, uint32(200))
		assert.Greater(t, b>>8, uint32(200))

		r, _, _, _ = out.At(2, 2).RGBA()
		assert.Less(t, r>>8, uint32(50), "corner stays dark at %v", deg)
	}
}
