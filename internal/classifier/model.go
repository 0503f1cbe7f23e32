package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prediction is the raw model output. Score is expected in [0,100] and
// Confidence in [0,1]; the adapter enforces both.
type Prediction struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Model is an out-of-process scoring model
type Model interface {
	Predict(ctx context.Context, features Features) (Prediction, error)
}

// ModelFunc adapts a function to Model
type ModelFunc func(ctx context.Context, features Features) (Prediction, error)

// Predict implements Model
func (f ModelFunc) Predict(ctx context.Context, features Features) (Prediction, error) {
	return f(ctx, features)
}

// HTTPModel calls a JSON scoring endpoint
type HTTPModel struct {
	endpoint string
	client   *http.Client
}

// NewHTTPModel creates a client for endpoint. The adapter owns the deadline;
// the client timeout is only a backstop against leaked connections.
func NewHTTPModel(endpoint string, backstop time.Duration) *HTTPModel {
	return &HTTPModel{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: backstop,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			}, otelhttp.WithSpanNameFormatter(func(string, *http.Request) string {
				return "classifier.predict"
			})),
		},
	}
}

// Predict implements Model
func (m *HTTPModel) Predict(ctx context.Context, features Features) (Prediction, error) {
	body, err := json.Marshal(features)
	if err != nil {
		return Prediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Prediction{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Prediction{}, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var p Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&p); err != nil {
		return Prediction{}, fmt.Errorf("decode classifier response: %w", err)
	}
	return p, nil
}
