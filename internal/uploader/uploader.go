// Package uploader moves attachment files to blob storage and returns their URLs.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"offline-submission-queue/internal/config"
	apperrors "offline-submission-queue/internal/errors"
	"offline-submission-queue/internal/models"
	"offline-submission-queue/internal/telemetry"
)

// errUnsendable marks attachments no retry can deliver.
var errUnsendable = errors.New("attachment cannot be sent")

// Uploader uploads one local file to destPath and returns a stable URL.
type Uploader interface {
	Upload(ctx context.Context, localRef, destPath string) (string, error)
}

// blobStore writes bytes under a key.
type blobStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// FileUploader reads attachments from disk, downsizes oversized images and
// hands the bytes to a blob store.
type FileUploader struct {
	store        blobStore
	maxDimension int
	maxBytes     int64
	logger       *slog.Logger
}

// New builds the uploader selected by cfg.UploadDestination. An empty
// destination picks s3 when a bucket is configured and local otherwise.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*FileUploader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dest := strings.ToLower(cfg.UploadDestination)
	if dest == "" {
		if cfg.S3Bucket != "" {
			dest = "s3"
		} else {
			dest = "local"
		}
	}

	var store blobStore
	switch dest {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, errors.New("upload destination s3 requested but S3_BUCKET is not configured")
		}
		s, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = s
	case "local":
		dir := cfg.UploadDir
		if dir == "" {
			dir = "./uploads"
		}
		store = NewLocalStore(dir)
	default:
		return nil, fmt.Errorf("unknown upload destination %q", cfg.UploadDestination)
	}

	return &FileUploader{
		store:        store,
		maxDimension: cfg.ImageMaxDimension,
		maxBytes:     models.MaxAttachmentBytes,
		logger:       logger,
	}, nil
}

// Upload implements Uploader. A file that is too large or not a regular file is
// PERMANENT_DELIVERY; every other failure is ATTACHMENT_ERROR and retried.
func (u *FileUploader) Upload(ctx context.Context, localRef, destPath string) (string, error) {
	url, err := u.upload(ctx, localRef, destPath)
	if err != nil {
		telemetry.UploadCounter.WithLabelValues("error").Inc()
		code := apperrors.ErrAttachment
		if errors.Is(err, errUnsendable) {
			code = apperrors.ErrPermanentDelivery
		}
		return "", apperrors.Wrap(code, fmt.Sprintf("upload %s", filepath.Base(localRef)), err)
	}
	telemetry.UploadCounter.WithLabelValues("ok").Inc()
	return url, nil
}

func (u *FileUploader) upload(ctx context.Context, localRef, destPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := readLimited(localRef, u.maxBytes)
	if err != nil {
		return "", err
	}

	key := sanitizeKey(destPath)
	if key == "" {
		return "", errors.New("destination path is empty")
	}
	contentType := detectContentType(key, body)

	if strings.HasPrefix(contentType, "image/") && u.maxDimension > 0 {
		resized, format, changed, err := downscale(body, u.maxDimension)
		if err != nil {
			u.logger.Warn("attachment not resized, uploading original", "file", localRef, "error", err)
		} else if changed {
			body = resized
			contentType = mimeForFormat(format)
			key = withExtension(key, format)
		}
	}

	return u.store.Put(ctx, key, body, contentType)
}

// DestinationPath is the blob key for the index-th attachment of op.
func DestinationPath(op models.QueuedOperation, index int) string {
	base := "file"
	if index >= 0 && index < len(op.Attachments) {
		base = filepath.Base(op.Attachments[index].LocalRef)
	}
	kind := string(op.Kind)
	if kind == "" {
		kind = string(models.KindGeneric)
	}
	return fmt.Sprintf("%s/%s/%d-%s", kind, op.ID, index, base)
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("attachment missing: %w", err)
		}
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file", errUnsendable)
	}

	body, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: larger than %d bytes", errUnsendable, limit)
	}
	return body, nil
}

// downscale fits images larger than maxDim into a maxDim square, keeping the
// aspect ratio. changed is false when the image already fits.
func downscale(body []byte, maxDim int) ([]byte, imaging.Format, bool, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, 0, false, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return nil, 0, false, nil
	}

	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, false, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)

	out := outputFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, out, imaging.JPEGQuality(85)); err != nil {
		return nil, 0, false, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), out, true, nil
}

func outputFormat(decoded string) imaging.Format {
	switch strings.ToLower(decoded) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	default:
		return imaging.JPEG
	}
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return ".png"
	case imaging.GIF:
		return ".gif"
	case imaging.TIFF:
		return ".tiff"
	default:
		return ".jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

// withExtension swaps key's extension when re-encoding changed the format.
func withExtension(key string, format imaging.Format) string {
	ext := strings.ToLower(filepath.Ext(key))
	want := formatExtension(format)
	if ext == want || (want == ".jpg" && ext == ".jpeg") {
		return key
	}
	return strings.TrimSuffix(key, filepath.Ext(key)) + want
}

func detectContentType(key string, body []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(key))); ct != "" {
		return ct
	}
	return http.DetectContentType(body)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	if key == "." || key == ".." {
		return ""
	}
	return key
}
