// Package detector is the HTTP client for the external vision Detector
// service. The service accepts a multipart upload with an "image" field at
// POST /api/verify and answers with per-package detections.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"medtrace/pkg/domain"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ServiceName identifies the detector in ExternalServiceError values.
const ServiceName = "detector"

// DefaultTimeout bounds one detection round trip.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is decoded.
const maxResponseBytes = 4 << 20

// Client calls the Detector service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// New returns a Client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("detector: base url required")
	}
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type wireDetection struct {
	BBox           []float64 `json:"bbox"`
	YoloLabel      string    `json:"yolo_label"`
	YoloConfidence float64   `json:"yolo_confidence"`
	CNNLabel       string    `json:"cnn_label"`
	CNNConfidence  float64   `json:"cnn_confidence"`
	Result         string    `json:"result"`
}

type wireResponse struct {
	Status     string          `json:"status"`
	Message    string          `json:"message"`
	Detections []wireDetection `json:"detections"`
}

// Detect uploads image and returns the detections the service found. Any
// transport failure, non-2xx status, error payload, or malformed detection
// is reported as a domain.ExternalServiceError.
func (c *Client) Detect(ctx context.Context, image []byte) ([]domain.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeImage(image)
	if err != nil {
		return nil, c.fail(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/verify", body)
	if err != nil {
		return nil, c.fail(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, c.fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	var out wireResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, c.fail(fmt.Errorf("decode response: %w", err))
	}
	if strings.EqualFold(out.Status, "error") {
		return nil, c.fail(fmt.Errorf("service error: %s", out.Message))
	}
	detections := make([]domain.Detection, 0, len(out.Detections))
	for i, d := range out.Detections {
		det, err := d.toDomain()
		if err != nil {
			return nil, c.fail(fmt.Errorf("detection %d: %w", i, err))
		}
		detections = append(detections, det)
	}
	return detections, nil
}

func (c *Client) fail(err error) error {
	return domain.ExternalServiceError{Service: ServiceName, Err: err}
}

func (d wireDetection) toDomain() (domain.Detection, error) {
	result := domain.DetectionResult(strings.ToUpper(strings.TrimSpace(d.Result)))
	switch result {
	case domain.ResultGenuine, domain.ResultSuspicious, domain.ResultCounterfeit:
	default:
		return domain.Detection{}, fmt.Errorf("unknown result %q", d.Result)
	}
	var box domain.BoundingBox
	switch len(d.BBox) {
	case 0:
	case 4:
		box = domain.BoundingBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
	default:
		return domain.Detection{}, fmt.Errorf("bbox has %d coordinates, want 4", len(d.BBox))
	}
	return domain.Detection{
		BBox:                 box,
		DetectorLabel:        d.YoloLabel,
		DetectorConfidence:   d.YoloConfidence,
		ClassifierLabel:      d.CNNLabel,
		ClassifierConfidence: d.CNNConfidence,
		Result:               result,
	}, nil
}

func encodeImage(image []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="image.jpg"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
