package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ErrUnreadableImage reports bytes that cannot be decoded as an image, or a
// model response that contains no image part.
var ErrUnreadableImage = errors.New("unreadable image")

// ImageTransformer morphs a reference portrait according to a diary score.
type ImageTransformer interface {
	Transform(ctx context.Context, score int, referenceURI string) (image.Image, error)
}

const transformPromptFormat = "Based on the score, please modify the person's facial expression, age, background, and health status in the image. Specifically, the health status score is defined as an integer score ranging from -100 to 100, based on the content of a diary. The score for the uploaded image is 0. Active and positive content reflects a high score, while passive and negative content reflects a low score.When adjusting health status, reflect the score through visible physical changes such as the amount of gray or white hair, facial fullness or thinness, and the presence or depth of wrinkles. A higher score should indicate a healthier, more energetic appearance, while a lower score should show signs of fatigue or aging.The given score is %d"

// GeminiTransformer renders the morphed portrait with a Gemini image model.
type GeminiTransformer struct {
	client     *GeminiClient
	model      string
	httpClient *http.Client
}

// NewGeminiTransformer builds a transformer; reference fetches over http(s)
// carry a fixed 15-second timeout.
func NewGeminiTransformer(client *GeminiClient, model string) *GeminiTransformer {
	return &GeminiTransformer{
		client:     client,
		model:      model,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Transform loads the reference image from a remote URI or local path, sends
// it with the score-embedding instruction, and decodes the returned image.
func (t *GeminiTransformer) Transform(ctx context.Context, score int, referenceURI string) (image.Image, error) {
	raw, err := t.loadReference(ctx, referenceURI)
	if err != nil {
		return nil, err
	}
	if _, _, err := image.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: reference %s: %v", ErrUnreadableImage, referenceURI, err)
	}
	mimeType := http.DetectContentType(raw)

	prompt := fmt.Sprintf(transformPromptFormat, score)
	data, text, err := t.client.GenerateImage(ctx, t.model, prompt, raw, mimeType)
	if err != nil {
		return nil, err
	}
	if text != "" {
		slog.Debug("image model commentary", "text", text)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: model returned no image part", ErrUnreadableImage)
	}
	rendered, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: model output: %v", ErrUnreadableImage, err)
	}
	return rendered, nil
}

func (t *GeminiTransformer) loadReference(ctx context.Context, uri string) ([]byte, error) {
	parsed, err := url.Parse(uri)
	if err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, err
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch reference image: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("fetch reference image: %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(uri)
}
