package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lukasbauer/storyteller/internal/audio"
	"github.com/lukasbauer/storyteller/internal/voice"
)

const (
	elevenLabsName       = "elevenlabs"
	elevenLabsDefaultURL = "https://api.elevenlabs.io"
)

// ElevenLabsClient synthesizes with ElevenLabs. Samples become instant
// voice clones through /v1/voices/add.
type ElevenLabsClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	stability  float64
	similarity float64
	sampleRate int
	httpClient *http.Client
	clones     *lru.Cache[string, string]
}

// ElevenLabsConfig holds configuration for the ElevenLabs client.
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string // stored voice; empty means clone from the sample
	ModelID string // e.g., "eleven_multilingual_v2" for Spanish
	// Stability and Similarity of 0.0 are valid; pass a negative value for
	// the defaults (0.5 and 0.75).
	Stability  float64
	Similarity float64
	SampleRate int
	HTTPClient *http.Client
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = elevenLabsDefaultURL
	}
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = DefaultTuning().ElevenLabs.Model
	}
	stability := cfg.Stability
	if stability < 0 {
		stability = 0.5
	}
	similarity := cfg.Similarity
	if similarity < 0 {
		similarity = 0.75
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clones, _ := lru.New[string, string](voiceCacheSize)
	return &ElevenLabsClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    baseURL,
		voiceID:    strings.TrimSpace(cfg.VoiceID),
		modelID:    modelID,
		stability:  stability,
		similarity: similarity,
		sampleRate: sampleRate,
		httpClient: httpClient,
		clones:     clones,
	}
}

// Name implements Provider.
func (c *ElevenLabsClient) Name() string { return elevenLabsName }

// ttsRequest represents an ElevenLabs TTS request.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// CreateProfile uploads the sample as an instant voice clone. It implements
// voice.Resolver.
func (c *ElevenLabsClient) CreateProfile(ctx context.Context, sample voice.Sample) (voice.Identifier, error) {
	if err := requireConfig(elevenLabsName, "ELEVENLABS_API_KEY", c.apiKey); err != nil {
		return voice.PendingID, err
	}
	if len(sample.Data) == 0 {
		return voice.PendingID, voice.ErrEmptySample
	}
	key := sample.Hash()
	if id, ok := c.clones.Get(key); ok {
		return voice.DurableID(elevenLabsName, id), nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", "storyteller-"+sample.CreatedAt.UTC().Format("20060102T150405")); err != nil {
		return voice.PendingID, fmt.Errorf("failed to write form field: %w", err)
	}
	part, err := mw.CreateFormFile("files", "voice_sample"+sampleExtension(sample.MIMEType))
	if err != nil {
		return voice.PendingID, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(sample.Data); err != nil {
		return voice.PendingID, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return voice.PendingID, fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/voices/add", &body)
	if err != nil {
		return voice.PendingID, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return voice.PendingID, transportError(ctx, elevenLabsName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return voice.PendingID, statusError(elevenLabsName, resp)
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return voice.PendingID, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.VoiceID == "" {
		return voice.PendingID, &ProviderError{Provider: elevenLabsName, Code: resp.StatusCode, Message: "voices/add returned no voice_id"}
	}
	c.clones.Add(key, out.VoiceID)
	return voice.DurableID(elevenLabsName, out.VoiceID), nil
}

// Synthesize implements Provider. Output is raw PCM at the configured rate,
// wrapped as WAV.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error) {
	if err := requireConfig(elevenLabsName, "ELEVENLABS_API_KEY", c.apiKey); err != nil {
		return audio.Clip{}, err
	}
	progress := newProgressReporter(elevenLabsName, onProgress)

	voiceID := c.voiceID
	if voiceID == "" {
		switch {
		case req.Voice.ID.IssuedBy(elevenLabsName):
			voiceID = req.Voice.ID.Value
		case req.Voice.Sample != nil:
			progress.report(StageUploading, 0)
			id, err := c.CreateProfile(ctx, *req.Voice.Sample)
			if err != nil {
				return audio.Clip{}, err
			}
			voiceID = id.Value
		default:
			return audio.Clip{}, fmt.Errorf("%s: %w", elevenLabsName, ErrNoVoice)
		}
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_%d",
		c.baseURL, url.PathEscape(voiceID), c.sampleRate)

	body, err := json.Marshal(ttsRequest{
		Text:    req.Text,
		ModelID: c.modelID,
		VoiceSettings: voiceSettings{
			Stability:       c.stability,
			SimilarityBoost: c.similarity,
		},
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)

	progress.report(StageSynthesizing, 0)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, transportError(ctx, elevenLabsName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, statusError(elevenLabsName, resp)
	}

	pcm, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return audio.Clip{}, transportError(ctx, elevenLabsName, err)
	}

	progress.report(StageDone, 0)
	return audio.Clip{Data: audio.WrapPCM16Mono(pcm, c.sampleRate), MIMEType: audio.MIMEWAV}, nil
}

// Probe checks the API key against /v1/user.
func (c *ElevenLabsClient) Probe(ctx context.Context) error {
	if err := requireConfig(elevenLabsName, "ELEVENLABS_API_KEY", c.apiKey); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/user", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, elevenLabsName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(elevenLabsName, resp)
	}
	return nil
}
