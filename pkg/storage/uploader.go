package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"
	"path"

	"github.com/google/uuid"

	"emodiary/pkg/domain"
)

// ErrUploadFailed reports that the storage backend rejected the upload or
// returned no usable URL.
var ErrUploadFailed = errors.New("upload failed")

const jpegQuality = 85

// UploadResult identifies a stored image: the object key for compensating
// deletes and the durable URL to persist.
type UploadResult struct {
	Key  string
	URL  string
	Meta domain.ImageMeta
}

// Uploader serializes rendered images and writes them to object storage.
type Uploader interface {
	Upload(ctx context.Context, img image.Image, folder string) (UploadResult, error)
	// Remove deletes a previously uploaded object, best-effort. Used as a
	// compensating action when the DB row referencing the upload cannot be
	// persisted.
	Remove(ctx context.Context, key string)
}

// ObjectUploader implements Uploader on top of an ObjectStore.
type ObjectUploader struct {
	objects ObjectStore
}

// NewObjectUploader wraps an object store.
func NewObjectUploader(objects ObjectStore) *ObjectUploader {
	return &ObjectUploader{objects: objects}
}

// Upload encodes img (PNG when it carries transparency, JPEG otherwise) and
// stores it under a fresh unique key inside folder. Keys are never reused, so
// existing objects are never overwritten.
func (u *ObjectUploader) Upload(ctx context.Context, img image.Image, folder string) (UploadResult, error) {
	data, contentType, ext, err := encodeImage(img)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	key := path.Join(folder, uuid.NewString()+ext)
	if err := u.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	url := u.objects.URL(key)
	if url == "" {
		u.Remove(ctx, key)
		return UploadResult{}, fmt.Errorf("%w: backend returned no URL", ErrUploadFailed)
	}
	bounds := img.Bounds()
	return UploadResult{
		Key: key,
		URL: url,
		Meta: domain.ImageMeta{
			Format:    ext[1:],
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			SizeBytes: int64(len(data)),
		},
	}, nil
}

// Remove deletes the object by key; failures are logged and swallowed.
func (u *ObjectUploader) Remove(ctx context.Context, key string) {
	if err := u.objects.Delete(ctx, key); err != nil {
		slog.Warn("compensating object delete failed", "key", key, "err", err)
	}
}

// encodeImage picks JPEG unless the image carries transparency; flattening
// transparent pixels onto a black background would silently lose them.
func encodeImage(img image.Image) (data []byte, contentType, ext string, err error) {
	var buf bytes.Buffer
	if hasTransparency(img) {
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", "", err
		}
		return buf.Bytes(), "image/png", ".png", nil
	}
	// JPEG has no alpha channel; re-draw onto an opaque RGBA base first.
	bounds := img.Bounds()
	rgb := image.NewRGBA(bounds)
	draw.Draw(rgb, bounds, img, bounds.Min, draw.Src)
	if err := jpeg.Encode(&buf, rgb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "image/jpeg", ".jpg", nil
}

func hasTransparency(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}
