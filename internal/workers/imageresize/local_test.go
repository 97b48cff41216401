package imageresize

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/job"
)

func writeTestPNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLocalHandlerProcessResizesAndWrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.png")
	writeTestPNG(t, src, 600, 300)

	out := filepath.Join(dir, "out", "thumb.png")
	h := &LocalHandler{Width: 100}
	outcome := h.Process(context.Background(), job.Job{
		ID:   1,
		Args: map[string]any{"filepath": src, "output_path": out},
	})

	require.Equal(t, job.OutcomeOK, outcome.Kind)
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestLocalHandlerProcessDiscardsMissingFilepath(t *testing.T) {
	h := NewLocalHandler()
	outcome := h.Process(context.Background(), job.Job{ID: 1, Args: map[string]any{}})
	assert.Equal(t, job.OutcomeDiscard, outcome.Kind)
}

func TestLocalHandlerProcessDiscardsMissingSourceFile(t *testing.T) {
	h := NewLocalHandler()
	outcome := h.Process(context.Background(), job.Job{
		ID:   1,
		Args: map[string]any{"filepath": "/nonexistent/path/to/image.png"},
	})
	assert.Equal(t, job.OutcomeDiscard, outcome.Kind)
}

func TestLocalHandlerProcessDefaultsOutputPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "photo.png")
	writeTestPNG(t, src, 400, 200)

	h := NewLocalHandler()
	outcome := h.Process(context.Background(), job.Job{
		ID:   1,
		Args: map[string]any{"filepath": src},
	})
	require.Equal(t, job.OutcomeOK, outcome.Kind)

	_, err := os.Stat(filepath.Join(dir, "thumb_photo.png"))
	require.NoError(t, err)
}
