package mea

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Device is a client for a remote acquisition unit exposing an HTTP API:
// GET /signals returns one frame, POST /stimulate delivers a pattern.
type Device struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewDevice creates a client for the acquisition unit at baseURL.
func NewDevice(baseURL string) *Device {
	return &Device{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type signalsResponse struct {
	Signals   []float64 `json:"signals"`
	Timestamp int64     `json:"timestamp"`
}

type stimulateRequest struct {
	Pattern []float64 `json:"pattern"`
}

// ReadSignals fetches one electrode frame from the device.
func (d *Device) ReadSignals(ctx context.Context) ([]float64, error) {
	body, err := d.get(ctx, "/signals")
	if err != nil {
		return nil, err
	}

	var resp signalsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode signals response: %w", err)
	}
	if len(resp.Signals) == 0 {
		return nil, fmt.Errorf("device returned an empty frame")
	}
	return resp.Signals, nil
}

// Stimulate sends a stimulation pattern to the device.
func (d *Device) Stimulate(ctx context.Context, pattern []float64) error {
	if len(pattern) == 0 {
		return fmt.Errorf("stimulation pattern is empty")
	}
	_, err := d.post(ctx, "/stimulate", stimulateRequest{Pattern: pattern})
	return err
}

func (d *Device) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	return d.do(req)
}

func (d *Device) post(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

func (d *Device) do(req *http.Request) ([]byte, error) {
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && (errResp.Error != "" || errResp.Message != "") {
			msg := errResp.Error
			if msg == "" {
				msg = errResp.Message
			}
			return nil, fmt.Errorf("device error (%d): %s", resp.StatusCode, msg)
		}
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, fmt.Errorf("device returned status %d: %s", resp.StatusCode, preview)
	}
	return respBody, nil
}
