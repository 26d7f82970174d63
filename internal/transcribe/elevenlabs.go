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

const elevenLabsSTTEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"

// ElevenLabsClient calls the ElevenLabs Speech-to-Text API.
type ElevenLabsClient struct {
	endpoint string
	apiKey   string
	model    string // "scribe_v1" or "scribe_v2"
	language string
	audio    AudioSource
	client   *http.Client
}

type elevenlabsResponse struct {
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Text                string  `json:"text"`
}

func NewElevenLabsClient(apiKey, model, language string, timeout time.Duration, audio AudioSource) *ElevenLabsClient {
	if model == "" || strings.HasPrefix(model, "whisper") {
		model = "scribe_v1"
	}
	return &ElevenLabsClient{
		endpoint: elevenLabsSTTEndpoint,
		apiKey:   apiKey,
		model:    model,
		language: language,
		audio:    audio,
		client:   &http.Client{Timeout: timeout},
	}
}

func (el *ElevenLabsClient) Name() string { return "elevenlabs" }

func (el *ElevenLabsClient) Transcribe(ctx context.Context, seg capture.Segment) (string, error) {
	data, err := readSegment(ctx, el.Name(), el.audio, seg)
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

	w.WriteField("model_id", el.model)
	lang := el.language
	if lang == "" {
		lang = "en"
	}
	w.WriteField("language_code", lang)
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, el.endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("xi-api-key", el.apiKey)

	body, err := do(el.client, el.Name(), req)
	if err != nil {
		return "", err
	}

	var result elevenlabsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", serviceError(el.Name(), fmt.Errorf("decode response: %w", err))
	}
	return strings.TrimSpace(result.Text), nil
}
