package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Client is an HTTP client for the inference service
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	quality    int
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address string
	Timeout time.Duration
	// JPEGQuality is used to encode frames sent to the service
	JPEGQuality int
}

// NewClient creates a detector client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detector address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		quality:    cfg.JPEGQuality,
		logger:     slog.Default().With("component", "detector-client"),
	}, nil
}

type detectRequest struct {
	ImageData     string   `json:"image_data"`
	MinConfidence float64  `json:"min_confidence"`
	NMSThreshold  float64  `json:"nms_threshold"`
	Objects       []string `json:"objects,omitempty"`
}

type detectResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Detections []struct {
		Label      string  `json:"label"`
		ClassID    int     `json:"class_id"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"detections"`
	ProcessTimeMs float64 `json:"process_time_ms"`
}

// Detect sends img to the service and returns detections in img pixel space.
// The service reports boxes normalized to 0..1.
func (c *Client) Detect(ctx context.Context, img image.Image, confidence, nms float64, classes []string) ([]Detection, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()
	dets, err := c.detect(ctx, img, confidence, nms, classes)

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	if err != nil {
		c.errorCount++
	}
	c.mu.Unlock()

	return dets, err
}

func (c *Client) detect(ctx context.Context, img image.Image, confidence, nms float64, classes []string) ([]Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	body, err := json.Marshal(detectRequest{
		ImageData:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		MinConfidence: confidence,
		NMSThreshold:  nms,
		Objects:       classes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrDetectorUnavailable
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, &DetectionError{Message: msg}
	}

	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		detections = append(detections, Detection{
			Box: BoundingBox{
				X:      d.BBox.X * w,
				Y:      d.BBox.Y * h,
				Width:  d.BBox.Width * w,
				Height: d.BBox.Height * h,
			},
			Label:      d.Label,
			Confidence: d.Confidence,
			ClassID:    d.ClassID,
		})
	}
	return detections, nil
}

// Ready checks that the service is reachable and has at least one model loaded
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	var status struct {
		Models []struct {
			ID     string `json:"id"`
			Loaded bool   `json:"loaded"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("%w: bad status response: %v", ErrDetectorUnavailable, err)
	}

	for _, m := range status.Models {
		if m.Loaded {
			return nil
		}
	}
	return fmt.Errorf("%w: no model loaded", ErrDetectorUnavailable)
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}
