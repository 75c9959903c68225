package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/infer"
	"github.com/technosupport/ts-sentinel/internal/metrics"
	"github.com/technosupport/ts-sentinel/internal/retry"
)

var (
	// ErrDetectorUnavailable marks connect/timeout/5xx failures after the
	// retry budget. Workers use it to route items for retry or DLQ instead
	// of dropping them.
	ErrDetectorUnavailable = errors.New("detector service unavailable")
	ErrInvalidImage        = errors.New("invalid image file")
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true,
}

// Aggregator receives persisted detections for batching.
type Aggregator interface {
	AddDetection(ctx context.Context, cameraID string, detectionID int64, confidence *float64, objectType string) (string, error)
}

// ActivityRecorder tracks per-camera activity baselines as a side effect of
// detection; the context enricher consumes them.
type ActivityRecorder interface {
	RecordDetection(ctx context.Context, cameraID string, at time.Time)
}

// Client converts an image file plus camera id into persisted Detection rows
// via the external object-detector service, respecting the inference
// semaphore.
type Client struct {
	cfg        *config.Store
	httpClient *http.Client
	sem        *infer.Semaphore
	detections data.DetectionModel
	aggregator Aggregator
	baselines  ActivityRecorder
}

func NewClient(cfg *config.Store, sem *infer.Semaphore, detections data.DetectionModel, agg Aggregator, baselines ActivityRecorder) *Client {
	ai := cfg.Current().AI
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: ai.ConnectTimeout() + ai.DetectorReadTimeout(),
		},
		sem:        sem,
		detections: detections,
		aggregator: agg,
		baselines:  baselines,
	}
}

type wireBBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	valid  bool
}

// UnmarshalJSON accepts both bbox encodings the detector emits:
// {"x":..,"y":..,"width":..,"height":..} and [x1,y1,x2,y2].
func (b *wireBBox) UnmarshalJSON(raw []byte) error {
	var obj struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.X != nil && obj.Width != nil {
		b.X, b.Y, b.Width, b.Height = *obj.X, *obj.Y, *obj.Width, *obj.Height
		b.valid = true
		return nil
	}

	var corners [4]float64
	if err := json.Unmarshal(raw, &corners); err == nil {
		b.X = corners[0]
		b.Y = corners[1]
		b.Width = corners[2] - corners[0]
		b.Height = corners[3] - corners[1]
		b.valid = true
		return nil
	}
	// Unknown shape: leave bbox absent rather than failing the detection.
	return nil
}

type wireDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       *wireBBox `json:"bbox"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

// DetectObjects sends the image to the detector, persists detections above
// the confidence threshold, and hands each to the batch aggregator. Holds one
// inference permit for the duration of the HTTP call.
func (c *Client) DetectObjects(ctx context.Context, imagePath, cameraID string) ([]*data.Detection, error) {
	if err := validateImage(imagePath); err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	if err := c.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	wire, err := c.postWithRetry(ctx, payload)
	c.sem.Release()

	metrics.RecordInferenceLatency("detector", float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordInference("detector", "error")
		return nil, err
	}
	metrics.RecordInference("detector", "ok")

	threshold := c.cfg.Current().AI.DetectorConfidenceThreshold
	now := time.Now()

	var persisted []*data.Detection
	for _, w := range wire.Detections {
		if w.Confidence < threshold {
			continue
		}
		conf := w.Confidence
		d := &data.Detection{
			CameraID:   cameraID,
			FilePath:   imagePath,
			FileType:   strings.TrimPrefix(filepath.Ext(imagePath), "."),
			ObjectType: w.Class,
			Confidence: &conf,
			MediaType:  strPtr("image"),
		}
		if w.BBox != nil && w.BBox.valid {
			d.BBoxX = &w.BBox.X
			d.BBoxY = &w.BBox.Y
			d.BBoxWidth = &w.BBox.Width
			d.BBoxHeight = &w.BBox.Height
		}
		if err := c.detections.Insert(ctx, d); err != nil {
			return persisted, fmt.Errorf("detection persist: %w", err)
		}
		persisted = append(persisted, d)

		if c.aggregator != nil {
			if _, err := c.aggregator.AddDetection(ctx, cameraID, d.ID, d.Confidence, d.ObjectType); err != nil {
				log.Printf("[ERROR] Detector: batching detection %d failed: %v", d.ID, err)
			}
		}
	}

	if c.baselines != nil && len(persisted) > 0 {
		c.baselines.RecordDetection(ctx, cameraID, now)
	}

	log.Printf("Detector: %s -> %d/%d detections kept for camera %s",
		filepath.Base(imagePath), len(persisted), len(wire.Detections), cameraID)
	return persisted, nil
}

func (c *Client) postWithRetry(ctx context.Context, payload []byte) (*wireResponse, error) {
	ai := c.cfg.Current().AI
	maxRetries := ai.DetectorMaxRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.Backoff(attempt - 1)):
			}
		}

		resp, err := c.post(ctx, ai, payload)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrDetectorUnavailable) {
			return nil, err // validation/parse errors are not retryable
		}
		lastErr = err
		log.Printf("[WARN] Detector: attempt %d/%d failed: %v", attempt+1, maxRetries+1, err)
	}
	return nil, lastErr
}

func (c *Client) post(ctx context.Context, ai config.AIConfig, payload []byte) (*wireResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ai.DetectorURL+"/detect", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if ai.DetectorAPIKey != "" {
		req.Header.Set("X-API-Key", ai.DetectorAPIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrDetectorUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("detector rejected request: status %d: %s", resp.StatusCode, body)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("detector response parse: %w", err)
	}
	return &wire, nil
}

// HealthCheck GETs /health with the health timeout.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ai := c.cfg.Current().AI
	ctx, cancel := context.WithTimeout(ctx, ai.HealthTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ai.DetectorURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func validateImage(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !imageExtensions[ext] {
		return fmt.Errorf("%w: unsupported extension %q", ErrInvalidImage, ext)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if fi.IsDir() || fi.Size() == 0 {
		return fmt.Errorf("%w: empty or not a file", ErrInvalidImage)
	}
	return nil
}

func strPtr(s string) *string { return &s }
