// Package vision performs attachment understanding: it fetches an attached
// image, downscales it, and asks a vision-capable model to describe it in
// the context of the user's question. The description becomes part of the
// turn the rest of the pipeline sees.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/providers"
)

// Describer is the attachment-understanding port.
type Describer interface {
	Describe(ctx context.Context, att bus.Attachment, question string) (string, error)
}

// maxImageEdge bounds the longest side sent to the model. Provider vision
// pricing scales with pixels and detail above this adds nothing for
// customer-service photos.
const maxImageEdge = 1024

// maxDownloadBytes caps the fetched attachment size.
const maxDownloadBytes = 20 << 20

const describeSystem = `You describe images for a customer-service assistant.
Describe what the image shows, focusing on anything relevant to the user's question:
products, labels, text, damage, receipts. Be factual and concise.`

// ProviderDescriber runs attachment understanding on a vision-capable chat
// provider.
type ProviderDescriber struct {
	provider providers.Provider
	client   *http.Client
}

func NewDescriber(p providers.Provider) *ProviderDescriber {
	return &ProviderDescriber{
		provider: p,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *ProviderDescriber) Describe(ctx context.Context, att bus.Attachment, question string) (string, error) {
	if att.Type != "image" {
		return "", fmt.Errorf("unsupported attachment type %q", att.Type)
	}

	data, err := d.fetch(ctx, att.URL)
	if err != nil {
		return "", fmt.Errorf("fetch attachment: %w", err)
	}

	encoded, err := preprocess(data)
	if err != nil {
		return "", fmt.Errorf("preprocess attachment: %w", err)
	}

	prompt := "Describe this image."
	if question != "" {
		prompt = fmt.Sprintf("The user asked: %q. Describe this image with that question in mind.", question)
	}

	resp, err := d.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: describeSystem},
			{
				Role:    "user",
				Content: prompt,
				Images:  []providers.ImageContent{{MimeType: "image/jpeg", Data: encoded}},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe attachment: %w", err)
	}

	desc := strings.TrimSpace(resp.Content)
	if desc == "" {
		return "", fmt.Errorf("empty description from provider")
	}
	return desc, nil
}

func (d *ProviderDescriber) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// preprocess decodes the image, fits it inside maxImageEdge, and re-encodes
// it as base64 JPEG.
func preprocess(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageEdge || bounds.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
