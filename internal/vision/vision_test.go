package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/providers"
)

func testImagePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestPreprocessDownscalesLargeImage(t *testing.T) {
	encoded, err := preprocess(testImagePNG(t, 2048, 512))
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("output not base64: %v", err)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("format = %q, want jpeg", format)
	}
	if img.Bounds().Dx() > maxImageEdge || img.Bounds().Dy() > maxImageEdge {
		t.Errorf("bounds = %v, want fit inside %d", img.Bounds(), maxImageEdge)
	}
}

func TestPreprocessKeepsSmallImage(t *testing.T) {
	encoded, err := preprocess(testImagePNG(t, 64, 48))
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(encoded)
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("bounds = %v, want unchanged 64x48", img.Bounds())
	}
}

type visionProvider struct {
	gotImages int
	gotPrompt string
}

func (p *visionProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			p.gotImages = len(m.Images)
			p.gotPrompt = m.Content
		}
	}
	return &providers.ChatResponse{Content: "A damaged blue ceramic mug on a table."}, nil
}

func (p *visionProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}
func (p *visionProvider) DefaultModel() string { return "test-model" }
func (p *visionProvider) Name() string         { return "test" }

func TestDescribeFetchesAndDescribes(t *testing.T) {
	img := testImagePNG(t, 100, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(img)
	}))
	defer srv.Close()

	p := &visionProvider{}
	d := NewDescriber(p)
	desc, err := d.Describe(context.Background(), bus.Attachment{Type: "image", URL: srv.URL},
		"is this mug broken?")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if desc != "A damaged blue ceramic mug on a table." {
		t.Errorf("description = %q", desc)
	}
	if p.gotImages != 1 {
		t.Errorf("images sent = %d, want 1", p.gotImages)
	}
	if p.gotPrompt == "" || p.gotPrompt == "Describe this image." {
		t.Errorf("question not woven into prompt: %q", p.gotPrompt)
	}
}

func TestDescribeRejectsNonImage(t *testing.T) {
	d := NewDescriber(&visionProvider{})
	if _, err := d.Describe(context.Background(), bus.Attachment{Type: "file", URL: "http://x"}, ""); err == nil {
		t.Fatal("describe accepted a non-image attachment")
	}
}
