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
	"sync"
	"time"

	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable covers connection failures, timeouts and non-200
	// responses from the detection service.
	ErrUnavailable = errors.New("detector unavailable")
	// ErrMalformedResponse means the detector answered 200 with a body we
	// could not interpret.
	ErrMalformedResponse = errors.New("detector response malformed")
	// ErrDownloadFailed means the annotated image could not be retrieved.
	ErrDownloadFailed = errors.New("annotated image download failed")
)

// devBaseURLGuesses is tried in order when PUBLIC_BASE_URL is unset. This is
// a development convenience only: production deployments must configure an
// explicit reachable base URL.
var devBaseURLGuesses = []string{
	"http://host.docker.internal:8081",
	"http://172.17.0.1:8081",
	"http://localhost:8081",
}

type detectPosition struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type detectedCode struct {
	Data     string         `json:"data"`
	Method   string         `json:"method"`
	Type     string         `json:"type"`
	Position detectPosition `json:"position"`
}

type detectResponse struct {
	Count         int            `json:"count"`
	DetectedCodes []detectedCode `json:"detected_codes"`
	ImageURL      string         `json:"image_url"`
	SourceURL     string         `json:"source_url"`
}

// Result is the outcome of a successful analysis run.
type Result struct {
	Components      []models.DetectedComponent
	Report          string
	TotalCount      int
	ReadableCount   int
	UnreadableCount int
	// AnnotatedPath is the local file holding the detector's annotated
	// image, empty when the detector returned none.
	AnnotatedPath string
}

type Client struct {
	httpClient    *http.Client
	baseURL       string
	publicBaseURL string

	resolveOnce  sync.Once
	resolvedBase string
}

// NewClient wraps the external detection service. publicBaseURL is where the
// detector can fetch this service's uploads; pass "" to fall back to
// network-topology guesses (development only).
func NewClient(baseURL, publicBaseURL string, timeout time.Duration) *Client {
	if publicBaseURL == "" {
		log.Printf("Warning: PUBLIC_BASE_URL not set, falling back to development guesses %v", devBaseURLGuesses)
	}
	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(baseURL, "/"),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// ImageURL resolves the publicly reachable URL the detector should fetch the
// stored image from.
func (c *Client) ImageURL(storageKey string) string {
	return fmt.Sprintf("%s/files/%s", c.resolveBaseURL(), strings.TrimLeft(storageKey, "/"))
}

// resolveBaseURL returns the configured public base URL, or probes the
// development guesses in order until one answers /health. The answer is
// cached for the lifetime of the client.
func (c *Client) resolveBaseURL() string {
	if c.publicBaseURL != "" {
		return c.publicBaseURL
	}
	c.resolveOnce.Do(func() {
		probe := &http.Client{Timeout: 2 * time.Second}
		for _, guess := range devBaseURLGuesses {
			resp, err := probe.Get(guess + "/health")
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				c.resolvedBase = guess
				log.Printf("Resolved public base URL guess: %s", guess)
				return
			}
		}
		c.resolvedBase = devBaseURLGuesses[len(devBaseURLGuesses)-1]
		log.Printf("No public base URL guess answered, using %s", c.resolvedBase)
	})
	return c.resolvedBase
}

// Analyze submits the stored image to the detection service and converts the
// response into a Result. Network, parse and download problems all come back
// as one of the package sentinel errors; nothing else escapes.
func (c *Client) Analyze(ctx context.Context, storageKey, outputDir string) (*Result, error) {
	imageURL := c.ImageURL(storageKey)

	resp, err := c.detect(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	total := len(resp.DetectedCodes)
	readable := 0
	components := make([]models.DetectedComponent, 0, total)
	for _, code := range resp.DetectedCodes {
		comp := models.DetectedComponent{
			Code:     code.Data,
			Method:   code.Method,
			Kind:     code.Type,
			Readable: code.Data != "",
			Polygon:  boundingBoxPolygon(code.Position),
		}
		if comp.Readable {
			readable++
		}
		components = append(components, comp)
	}
	unreadable := total - readable

	result := &Result{
		Components:      components,
		Report:          BuildReport(total, readable, unreadable),
		TotalCount:      total,
		ReadableCount:   readable,
		UnreadableCount: unreadable,
	}

	if resp.ImageURL != "" {
		path, err := c.downloadAnnotated(ctx, resp.ImageURL, outputDir)
		if err != nil {
			return nil, err
		}
		result.AnnotatedPath = path
	}

	return result, nil
}

func (c *Client) detect(ctx context.Context, imageURL string) (*detectResponse, error) {
	body, err := json.Marshal(map[string]string{"url": imageURL})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect_url", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(respBody))
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return &parsed, nil
}

// downloadAnnotated streams the detector's annotated image to outputDir under
// a collision-resistant name. imageURL may be relative to the detector base.
func (c *Client) downloadAnnotated(ctx context.Context, imageURL, outputDir string) (string, error) {
	if !strings.HasPrefix(imageURL, "http://") && !strings.HasPrefix(imageURL, "https://") {
		imageURL = c.baseURL + "/" + strings.TrimLeft(imageURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrDownloadFailed, resp.StatusCode)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	ext := filepath.Ext(imageURL)
	if ext == "" || len(ext) > 5 {
		ext = ".jpg"
	}
	path := filepath.Join(outputDir, uuid.New().String()+ext)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return path, nil
}

// boundingBoxPolygon converts the detector's {x,y,w,h} box into four corner
// points, clockwise from the top-left.
func boundingBoxPolygon(p detectPosition) [4]models.Point {
	return [4]models.Point{
		{X: p.X, Y: p.Y},
		{X: p.X + p.Width, Y: p.Y},
		{X: p.X + p.Width, Y: p.Y + p.Height},
		{X: p.X, Y: p.Y + p.Height},
	}
}
