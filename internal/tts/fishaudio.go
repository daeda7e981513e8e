package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lukasbauer/storyteller/internal/audio"
)

const (
	fishAudioName       = "fishaudio"
	fishAudioDefaultURL = "https://api.fish.audio"
)

// FishAudioClient synthesizes with Fish Audio in one request: text and
// reference audio travel together in a msgpack body.
type FishAudioClient struct {
	apiKey      string
	baseURL     string
	referenceID string
	sampleRate  int
	tuning      FishAudioTuning
	httpClient  *http.Client
}

// FishAudioConfig holds configuration for the Fish Audio client.
type FishAudioConfig struct {
	APIKey  string
	BaseURL string
	// ReferenceID, when set, selects a stored model instead of the sample.
	ReferenceID string
	SampleRate  int
	Tuning      FishAudioTuning
	HTTPClient  *http.Client
}

// NewFishAudioClient creates a new Fish Audio client.
func NewFishAudioClient(cfg FishAudioConfig) *FishAudioClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = fishAudioDefaultURL
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	tuning := cfg.Tuning
	if tuning.ChunkLength == 0 {
		tuning = DefaultTuning().FishAudio
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &FishAudioClient{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     baseURL,
		referenceID: strings.TrimSpace(cfg.ReferenceID),
		sampleRate:  sampleRate,
		tuning:      tuning,
		httpClient:  httpClient,
	}
}

// Name implements Provider.
func (c *FishAudioClient) Name() string { return fishAudioName }

type fishReference struct {
	Audio []byte `msgpack:"audio"`
	Text  string `msgpack:"text"`
}

type fishTTSRequest struct {
	Text        string          `msgpack:"text"`
	ChunkLength int             `msgpack:"chunk_length"`
	Format      string          `msgpack:"format"`
	SampleRate  int             `msgpack:"sample_rate"`
	MP3Bitrate  int             `msgpack:"mp3_bitrate"`
	References  []fishReference `msgpack:"references"`
	ReferenceID *string         `msgpack:"reference_id"`
	Normalize   bool            `msgpack:"normalize"`
	Latency     string          `msgpack:"latency"`
}

// Synthesize implements Provider. A configured reference id wins, then a
// reference id this provider issued, then the raw sample.
func (c *FishAudioClient) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error) {
	if err := requireConfig(fishAudioName, "FISH_AUDIO_API_KEY", c.apiKey); err != nil {
		return audio.Clip{}, err
	}
	progress := newProgressReporter(fishAudioName, onProgress)

	payload := fishTTSRequest{
		Text:        req.Text,
		ChunkLength: c.tuning.ChunkLength,
		Format:      "wav",
		SampleRate:  c.sampleRate,
		MP3Bitrate:  c.tuning.MP3Bitrate,
		References:  []fishReference{},
		Normalize:   c.tuning.Normalize,
		Latency:     c.tuning.Latency,
	}

	switch {
	case c.referenceID != "":
		id := c.referenceID
		payload.ReferenceID = &id
	case req.Voice.ID.IssuedBy(fishAudioName):
		id := req.Voice.ID.Value
		payload.ReferenceID = &id
	case req.Voice.Sample != nil:
		progress.report(StageUploading, 0)
		payload.References = append(payload.References, fishReference{Audio: req.Voice.Sample.Data})
	default:
		return audio.Clip{}, fmt.Errorf("%s: %w", fishAudioName, ErrNoVoice)
	}

	body, err := msgpack.Marshal(&payload)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/msgpack")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	progress.report(StageSynthesizing, 0)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, transportError(ctx, fishAudioName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, statusError(fishAudioName, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return audio.Clip{}, transportError(ctx, fishAudioName, err)
	}
	if len(data) == 0 {
		return audio.Clip{}, &ProviderError{Provider: fishAudioName, Code: resp.StatusCode, Message: "empty audio body"}
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || strings.HasPrefix(mimeType, "application/") {
		mimeType = audio.MIMEWAV
	}

	progress.report(StageDone, 0)
	return audio.Clip{Data: data, MIMEType: mimeType}, nil
}

// Probe synthesizes one word with the configured reference id.
func (c *FishAudioClient) Probe(ctx context.Context) error {
	if err := requireConfig(fishAudioName, "FISH_AUDIO_API_KEY", c.apiKey, "FISH_AUDIO_REFERENCE_ID", c.referenceID); err != nil {
		return err
	}
	_, err := c.Synthesize(ctx, Request{Text: "Hola"}, nil)
	return err
}
