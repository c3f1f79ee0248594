package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultClassifierURL is where the phoneme service listens by default.
const DefaultClassifierURL = "http://localhost:8899"

// RemoteClassifier calls an external phoneme service with frame features.
type RemoteClassifier struct {
	serviceURL string
	threshold  float64
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRemoteClassifier creates a client for the phoneme service.
func NewRemoteClassifier(serviceURL string, threshold float64, logger zerolog.Logger) *RemoteClassifier {
	if serviceURL == "" {
		serviceURL = DefaultClassifierURL
	}

	return &RemoteClassifier{
		serviceURL: serviceURL,
		threshold:  threshold,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "remote_classifier").Logger(),
	}
}

type classifyRequest struct {
	Features   AudioFeatures `json:"features"`
	DurationMs float64       `json:"duration_ms"`
}

type classifyResponse struct {
	Phoneme          string  `json:"phoneme"`
	Confidence       float64 `json:"confidence"`
	Intensity        float64 `json:"intensity"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// Classify implements Classifier.
func (c *RemoteClassifier) Classify(ctx context.Context, f AudioFeatures, duration time.Duration) (*PhonemeEvent, error) {
	body, err := json.Marshal(classifyRequest{
		Features:   f,
		DurationMs: float64(duration) / float64(time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	url := fmt.Sprintf("%s/classify", c.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("phoneme service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug().
		Str("phoneme", out.Phoneme).
		Float64("confidence", out.Confidence).
		Float64("processing_ms", out.ProcessingTimeMs).
		Msg("Classification received")

	if out.Phoneme == "" || out.Confidence < c.threshold {
		return nil, nil
	}

	intensity := out.Intensity
	if intensity == 0 {
		intensity = f.Amplitude * 10
	}
	return &PhonemeEvent{
		Symbol:     out.Phoneme,
		Confidence: clampUnit(out.Confidence),
		Start:      f.Timestamp,
		Duration:   duration,
		Intensity:  clampUnit(intensity),
		Formants:   f.Formants,
	}, nil
}

// Health checks if the phoneme service is available
func (c *RemoteClassifier) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/health", c.serviceURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("phoneme service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("phoneme service unhealthy (status %d)", resp.StatusCode)
	}

	c.logger.Debug().Msg("Phoneme service health check passed")
	return nil
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
