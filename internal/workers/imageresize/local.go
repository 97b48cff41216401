package imageresize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"jobengine/internal/job"
)

// localPayload is the expected job.Job.Args shape for the
// "LocalImageResize" worker: a thumbnail job against a file already on
// disk, with no network or object-storage round trip.
type localPayload struct {
	Filepath   string `json:"filepath"`
	OutputPath string `json:"output_path"`
}

// LocalHandler resizes images already present on the local filesystem,
// using golang.org/x/image/draw instead of disintegration/imaging — kept
// as a distinct code path from Handler.Process so both of the teacher's
// image-resize dependencies stay exercised. Adapted from the teacher's
// internal/worker/local_resize_handler.go.
type LocalHandler struct {
	Width int
}

// NewLocalHandler builds a handler with the teacher's default thumbnail
// width.
func NewLocalHandler() *LocalHandler {
	return &LocalHandler{Width: 300}
}

// Process runs one attempt of the LocalImageResize worker.
func (h *LocalHandler) Process(ctx context.Context, j job.Job) job.Outcome {
	if err := ctx.Err(); err != nil {
		return job.Retry(err)
	}

	p, err := decodeLocalPayload(j)
	if err != nil {
		return job.Discard(err.Error())
	}

	in, err := os.Open(p.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return job.Discard(fmt.Sprintf("source image missing: %v", err))
		}
		return job.Retry(fmt.Errorf("open source: %w", err))
	}
	defer in.Close()

	src, _, err := image.Decode(in)
	if err != nil {
		return job.Discard(fmt.Sprintf("decode image: %v", err))
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return job.Discard("invalid image dimensions")
	}

	width := h.Width
	if width == 0 {
		width = 300
	}
	height := int(float64(src.Bounds().Dy()) * float64(width) / float64(src.Bounds().Dx()))
	if height == 0 {
		height = width
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o755); err != nil {
		return job.Retry(fmt.Errorf("create output dir: %w", err))
	}

	out, err := os.Create(p.OutputPath)
	if err != nil {
		return job.Retry(fmt.Errorf("create output file: %w", err))
	}
	defer out.Close()

	switch strings.ToLower(filepath.Ext(p.OutputPath)) {
	case ".png":
		if err := png.Encode(out, dst); err != nil {
			return job.Retry(err)
		}
	default:
		if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 85}); err != nil {
			return job.Retry(err)
		}
	}

	return job.OK()
}

func decodeLocalPayload(j job.Job) (localPayload, error) {
	p := localPayload{}
	raw, err := json.Marshal(j.Args)
	if err != nil {
		return p, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode args: %w", err)
	}
	if p.Filepath == "" {
		return p, errors.New("filepath is required")
	}
	if p.OutputPath == "" {
		file := filepath.Base(p.Filepath)
		p.OutputPath = filepath.Join(filepath.Dir(p.Filepath), "thumb_"+file)
	}
	return p, nil
}
