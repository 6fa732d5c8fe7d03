package roboflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/chicken-disease/internal/apperr"
	"github.com/example/chicken-disease/internal/inference"
)

const maxErrorBody = 4 << 10

// Config identifies the hosted model. It is built once at startup and never mutated.
type Config struct {
	APIURL    string
	APIKey    string
	Workspace string
	Project   string
	Version   int
	Timeout   time.Duration
}

// ModelID is the project/version path segment of the hosted endpoint.
func (c Config) ModelID() string {
	return fmt.Sprintf("%s/%d", c.Project, c.Version)
}

// Client calls the hosted object-detection endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

var _ inference.Client = (*Client)(nil)

// NewClient returns a ready-to-use client for the hosted detection API.
// A nil httpClient gets a default client bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.Named("roboflow").With(zap.String("workspace", cfg.Workspace), zap.String("model", cfg.ModelID())),
	}
}

type prediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
	ClassID    int     `json:"class_id"`
}

type inferResponse struct {
	Predictions []prediction `json:"predictions"`
}

type errorResponse struct {
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
}

// Infer posts the base64 encoded image and maps the remote predictions in order.
func (c *Client) Infer(ctx context.Context, imageBytes []byte, opts inference.Options) ([]inference.Detection, error) {
	if len(imageBytes) == 0 {
		return nil, apperr.New(apperr.KindInference, "roboflow.infer", "", errors.New("empty image payload"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(opts), strings.NewReader(base64.StdEncoding.EncodeToString(imageBytes)))
	if err != nil {
		return nil, apperr.New(apperr.KindInference, "roboflow.build_request", "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := apperr.New(apperr.KindInference, "roboflow.infer", "", redactQuery(err))
		c.logger.Error("inference call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		wrapped := apperr.New(apperr.KindInference, "roboflow.infer", "", remoteError(resp))
		c.logger.Error("inference rejected", zap.Error(wrapped), zap.Int("status", resp.StatusCode))
		return nil, wrapped
	}

	var payload inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		wrapped := apperr.New(apperr.KindInference, "roboflow.decode_response", "", err)
		c.logger.Error("failed to decode inference response", zap.Error(wrapped))
		return nil, wrapped
	}

	detections := make([]inference.Detection, 0, len(payload.Predictions))
	for _, p := range payload.Predictions {
		detections = append(detections, inference.Detection{
			ClassLabel: p.Class,
			ClassID:    p.ClassID,
			Confidence: p.Confidence,
			Center:     inference.Point{X: p.X, Y: p.Y},
			Size:       inference.Size{Width: p.Width, Height: p.Height},
		})
	}

	c.logger.Debug("inference completed", zap.Int("detections", len(detections)), zap.Duration("latency", time.Since(start)))
	return detections, nil
}

func (c *Client) endpoint(opts inference.Options) string {
	query := url.Values{}
	query.Set("api_key", c.cfg.APIKey)
	query.Set("confidence", strconv.Itoa(opts.Confidence))
	query.Set("overlap", strconv.Itoa(opts.Overlap))
	query.Set("format", "json")
	return fmt.Sprintf("%s/%s/%d?%s", strings.TrimRight(c.cfg.APIURL, "/"), url.PathEscape(c.cfg.Project), c.cfg.Version, query.Encode())
}

// redactQuery drops the query string, and with it the api key, from transport errors.
func redactQuery(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	endpoint, _, _ := strings.Cut(uerr.URL, "?")
	return &url.Error{Op: uerr.Op, URL: endpoint, Err: uerr.Err}
}

// remoteError extracts the message the service put in its error body.
func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return errors.New(payload.Message)
		}
		if len(payload.Error) > 0 {
			var text string
			if json.Unmarshal(payload.Error, &text) == nil && text != "" {
				return errors.New(text)
			}
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
				return errors.New(nested.Message)
			}
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
		return fmt.Errorf("inference failed with status %d: %s", resp.StatusCode, text)
	}
	return fmt.Errorf("inference failed with status %d", resp.StatusCode)
}
