package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/twinmind/twinmind-engine/internal/capture"
)

const (
	assemblyAIBaseURL      = "https://api.assemblyai.com"
	assemblyAIPollInterval = 3 * time.Second
)

// AssemblyAIClient uploads the segment, creates a transcript job and polls
// it until it completes or errors.
type AssemblyAIClient struct {
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	audio        AudioSource
	client       *http.Client
}

type assemblyAIUpload struct {
	UploadURL string `json:"upload_url"`
}

type assemblyAITranscript struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued, processing, completed, error
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func NewAssemblyAIClient(apiKey string, timeout time.Duration, audio AudioSource) *AssemblyAIClient {
	return &AssemblyAIClient{
		baseURL:      assemblyAIBaseURL,
		apiKey:       apiKey,
		pollInterval: assemblyAIPollInterval,
		audio:        audio,
		client:       &http.Client{Timeout: timeout},
	}
}

func (ac *AssemblyAIClient) Name() string { return "assemblyai" }

func (ac *AssemblyAIClient) Transcribe(ctx context.Context, seg capture.Segment) (string, error) {
	data, err := readSegment(ctx, ac.Name(), ac.audio, seg)
	if err != nil {
		return "", err
	}

	var up assemblyAIUpload
	if err := ac.call(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", data, &up); err != nil {
		return "", err
	}
	if up.UploadURL == "" {
		return "", serviceError(ac.Name(), errors.New("upload returned no url"))
	}

	reqBody, _ := json.Marshal(map[string]string{
		"audio_url":    up.UploadURL,
		"speech_model": "universal",
	})
	var tr assemblyAITranscript
	if err := ac.call(ctx, http.MethodPost, "/v2/transcript", "application/json", reqBody, &tr); err != nil {
		return "", err
	}
	if tr.ID == "" {
		return "", serviceError(ac.Name(), errors.New("transcript job returned no id"))
	}

	ticker := time.NewTicker(ac.pollInterval)
	defer ticker.Stop()
	for {
		switch tr.Status {
		case "completed":
			return strings.TrimSpace(tr.Text), nil
		case "error":
			return "", serviceError(ac.Name(), fmt.Errorf("transcript %s failed: %s", tr.ID, tr.Error))
		}

		select {
		case <-ctx.Done():
			return "", networkError(ac.Name(), ctx.Err())
		case <-ticker.C:
		}

		if err := ac.call(ctx, http.MethodGet, "/v2/transcript/"+tr.ID, "", nil, &tr); err != nil {
			return "", err
		}
	}
}

func (ac *AssemblyAIClient) call(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, ac.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("authorization", ac.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := do(ac.client, ac.Name(), req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return serviceError(ac.Name(), fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}
