// Package imageresize is a sample worker demonstrating a realistic
// registry.Worker: it downloads an image over HTTP, transforms it with
// disintegration/imaging, and uploads the result to either the local
// filesystem or S3 (aws-sdk-go-v2). Adapted from the teacher's
// internal/worker/image_handler.go, which did the same thing against the
// old models.Job/queue.RedisQueue types.
package imageresize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"jobengine/internal/job"
)

// Config parameterizes the handler. Zero values fall back to the same
// defaults the teacher's handler used.
type Config struct {
	DefaultWidth    int
	DefaultHeight   int
	MaxBytes        int64
	DownloadTimeout time.Duration
	OutputDir       string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Handler is the registry.Process receiver for the "ImageResize" worker.
type Handler struct {
	cfg        Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

// New builds a Handler, wiring an S3 uploader when cfg.S3Bucket is set.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./output"
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 25 * 1024 * 1024
	}

	var s3Upload uploader
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.S3Bucket}
	}

	return &Handler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.DownloadTimeout},
		local:      &localUploader{baseDir: cfg.OutputDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("imageresize: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// payload is the expected shape of job.Job.Args for the ImageResize worker.
type payload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// Process runs one attempt of the ImageResize worker: download, transform,
// upload. Invalid args (including a missing source_url), an image that
// cannot be decoded, and a destination with no configured uploader are
// permanent errors (Discard); download, encode and upload failures are
// treated as transient (Retry).
func (h *Handler) Process(ctx context.Context, j job.Job) job.Outcome {
	p, err := decodePayload(j, h.cfg)
	if err != nil {
		return job.Discard(err.Error())
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return job.Retry(err)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return job.Discard(fmt.Sprintf("decode image: %v", err))
	}

	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	width, height := p.Width, p.Height
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	outputFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return job.Retry(fmt.Errorf("encode image: %w", err))
	}

	outputKey := p.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("%s.%s", strconv.FormatInt(j.ID, 10), formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	up, err := h.pickUploader(p.Destination)
	if err != nil {
		return job.Discard(err.Error())
	}
	if _, err := up.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType)); err != nil {
		return job.Retry(fmt.Errorf("upload: %w", err))
	}

	return job.OK()
}

func (h *Handler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, h.cfg.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.cfg.MaxBytes)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func decodePayload(j job.Job, cfg Config) (payload, error) {
	p := payload{
		Grayscale: true,
		Width:     cfg.DefaultWidth,
		Height:    cfg.DefaultHeight,
	}
	raw, err := json.Marshal(j.Args)
	if err != nil {
		return p, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode args: %w", err)
	}
	if p.SourceURL == "" {
		return p, errors.New("source_url is required")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = 320
	}
	if p.Destination == "" {
		if cfg.S3Bucket != "" {
			p.Destination = "s3"
		} else {
			p.Destination = "local"
		}
	}
	return p, nil
}

func (h *Handler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but no S3 bucket is configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	if h.local != nil {
		return h.local, nil
	}
	return nil, errors.New("no uploader configured")
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
