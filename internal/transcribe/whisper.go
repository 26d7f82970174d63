package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/twinmind/twinmind-engine/internal/capture"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions endpoint.
type WhisperClient struct {
	url      string
	model    string
	apiKey   string
	language string
	audio    AudioSource
	client   *http.Client
}

// WhisperResponse is the parsed JSON response from the Whisper API.
type WhisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func NewWhisperClient(url, model, apiKey, language string, timeout time.Duration, audio AudioSource) *WhisperClient {
	return &WhisperClient{
		url:      url,
		model:    model,
		apiKey:   apiKey,
		language: language,
		audio:    audio,
		client:   &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperClient) Name() string { return "whisper" }

// Transcribe sends the segment's audio as multipart/form-data and returns the
// trimmed text. Silence yields "".
func (wc *WhisperClient) Transcribe(ctx context.Context, seg capture.Segment) (string, error) {
	data, err := readSegment(ctx, wc.Name(), wc.audio, seg)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", path.Base(seg.SourceHandle))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("copy audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}
	lang := wc.language
	if lang == "" {
		lang = "en"
	}
	w.WriteField("language", lang)
	w.WriteField("response_format", "json")
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if wc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	body, err := do(wc.client, wc.Name(), req)
	if err != nil {
		return "", err
	}

	var result WhisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", serviceError(wc.Name(), fmt.Errorf("decode response: %w", err))
	}
	return strings.TrimSpace(result.Text), nil
}
