package tts

import (
	"bytes"
	"context"
	"encoding/hex"
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
	miniMaxName           = "minimax"
	miniMaxDefaultBaseURL = "https://api.minimax.io"
)

// MiniMaxClient synthesizes with MiniMax T2A v2. Voices are cloned from a
// file uploaded once per sample; uploads are cached by sample hash.
type MiniMaxClient struct {
	apiKey         string
	groupID        string
	baseURL        string
	defaultVoiceID string
	sampleRate     int
	tuning         MiniMaxTuning
	httpClient     *http.Client
	uploads        *lru.Cache[string, string]
}

// MiniMaxConfig holds configuration for the MiniMax client.
type MiniMaxConfig struct {
	APIKey  string
	GroupID string
	BaseURL string
	// DefaultVoiceID, when set, is used for every request (stored voice mode).
	DefaultVoiceID string
	SampleRate     int
	Tuning         MiniMaxTuning
	HTTPClient     *http.Client
}

// NewMiniMaxClient creates a new MiniMax client.
func NewMiniMaxClient(cfg MiniMaxConfig) *MiniMaxClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = miniMaxDefaultBaseURL
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	tuning := cfg.Tuning
	if tuning.Model == "" {
		tuning = DefaultTuning().MiniMax
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	// Only fails for a non-positive size.
	uploads, _ := lru.New[string, string](voiceCacheSize)

	return &MiniMaxClient{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		groupID:        strings.TrimSpace(cfg.GroupID),
		baseURL:        baseURL,
		defaultVoiceID: strings.TrimSpace(cfg.DefaultVoiceID),
		sampleRate:     sampleRate,
		tuning:         tuning,
		httpClient:     httpClient,
		uploads:        uploads,
	}
}

// Name implements Provider.
func (c *MiniMaxClient) Name() string { return miniMaxName }

func (c *MiniMaxClient) checkConfig() error {
	return requireConfig(miniMaxName, "MINIMAX_API_KEY", c.apiKey, "MINIMAX_GROUP_ID", c.groupID)
}

type miniMaxBaseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// err maps a non-zero status_code to a ProviderError. 1000-1002 and 1039
// are overload and rate-limit codes.
func (b miniMaxBaseResp) err() error {
	if b.StatusCode == 0 {
		return nil
	}
	transient := false
	switch b.StatusCode {
	case 1000, 1001, 1002, 1039:
		transient = true
	}
	return &ProviderError{Provider: miniMaxName, Code: b.StatusCode, Message: b.StatusMsg, Transient: transient}
}

type miniMaxUploadResponse struct {
	FileID json.Number `json:"file_id"`
	File   struct {
		FileID json.Number `json:"file_id"`
	} `json:"file"`
	BaseResp miniMaxBaseResp `json:"base_resp"`
}

// CreateProfile uploads the sample for cloning and returns the file id as a
// durable identifier. It implements voice.Resolver.
func (c *MiniMaxClient) CreateProfile(ctx context.Context, sample voice.Sample) (voice.Identifier, error) {
	if err := c.checkConfig(); err != nil {
		return voice.PendingID, err
	}
	fileID, err := c.upload(ctx, &sample)
	if err != nil {
		return voice.PendingID, err
	}
	return voice.DurableID(miniMaxName, fileID), nil
}

func (c *MiniMaxClient) upload(ctx context.Context, sample *voice.Sample) (string, error) {
	if len(sample.Data) == 0 {
		return "", voice.ErrEmptySample
	}
	key := sample.Hash()
	if id, ok := c.uploads.Get(key); ok {
		return id, nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "voice_sample"+sampleExtension(sample.MIMEType))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(sample.Data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.WriteField("purpose", "voice_clone"); err != nil {
		return "", fmt.Errorf("failed to write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/files/upload"), &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, miniMaxName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(miniMaxName, resp)
	}

	var out miniMaxUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if err := out.BaseResp.err(); err != nil {
		return "", err
	}
	fileID := out.File.FileID.String()
	if fileID == "" {
		fileID = out.FileID.String()
	}
	if fileID == "" {
		return "", &ProviderError{Provider: miniMaxName, Message: "upload returned no file_id"}
	}

	c.uploads.Add(key, fileID)
	return fileID, nil
}

type miniMaxTTSRequest struct {
	Model            string              `json:"model"`
	Text             string              `json:"text"`
	Stream           bool                `json:"stream"`
	VoiceSetting     miniMaxVoiceSetting `json:"voice_setting"`
	AudioSetting     miniMaxAudioSetting `json:"audio_setting"`
	VoiceCloneFileID string              `json:"voice_clone_file_id,omitempty"`
}

type miniMaxVoiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   int     `json:"pitch"`
	Emotion string  `json:"emotion,omitempty"`
}

type miniMaxAudioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type miniMaxTTSResponse struct {
	Data struct {
		Audio string `json:"audio"`
	} `json:"data"`
	BaseResp miniMaxBaseResp `json:"base_resp"`
}

// Synthesize implements Provider. The voice is chosen in this order: the
// configured default voice, a file id this client issued, then the raw
// sample (uploaded first).
func (c *MiniMaxClient) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error) {
	if err := c.checkConfig(); err != nil {
		return audio.Clip{}, err
	}
	progress := newProgressReporter(miniMaxName, onProgress)

	voiceSetting := miniMaxVoiceSetting{
		Speed:   c.tuning.Speed,
		Vol:     c.tuning.Vol,
		Pitch:   c.tuning.Pitch,
		Emotion: c.tuning.Emotion,
	}
	payload := miniMaxTTSRequest{
		Model: c.tuning.Model,
		Text:  req.Text,
		AudioSetting: miniMaxAudioSetting{
			SampleRate: c.sampleRate,
			Format:     "pcm",
			Channel:    1,
		},
	}

	switch {
	case c.defaultVoiceID != "":
		voiceSetting.VoiceID = c.defaultVoiceID
	case req.Voice.ID.IssuedBy(miniMaxName):
		voiceSetting.VoiceID = "voice_clone"
		payload.VoiceCloneFileID = req.Voice.ID.Value
	case req.Voice.Sample != nil:
		progress.report(StageUploading, 0)
		fileID, err := c.upload(ctx, req.Voice.Sample)
		if err != nil {
			return audio.Clip{}, err
		}
		voiceSetting.VoiceID = "voice_clone"
		payload.VoiceCloneFileID = fileID
	default:
		return audio.Clip{}, fmt.Errorf("%s: %w", miniMaxName, ErrNoVoice)
	}
	payload.VoiceSetting = voiceSetting

	body, err := json.Marshal(payload)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/t2a_v2"), bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	progress.report(StageSynthesizing, 0)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, transportError(ctx, miniMaxName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, statusError(miniMaxName, resp)
	}

	var out miniMaxTTSResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAudioBytes*2)).Decode(&out); err != nil {
		return audio.Clip{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := out.BaseResp.err(); err != nil {
		return audio.Clip{}, err
	}
	if out.Data.Audio == "" {
		return audio.Clip{}, &ProviderError{Provider: miniMaxName, Message: "response carried no audio"}
	}
	pcm, err := hex.DecodeString(out.Data.Audio)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: minimax hex audio: %v", audio.ErrDecode, err)
	}

	progress.report(StageDone, 0)
	return audio.Clip{Data: audio.WrapPCM16Mono(pcm, c.sampleRate), MIMEType: audio.MIMEWAV}, nil
}

// Probe checks the credentials with a one-word synthesis using the default
// voice. Used by the environment diagnostics endpoint.
func (c *MiniMaxClient) Probe(ctx context.Context) error {
	if err := c.checkConfig(); err != nil {
		return err
	}
	if c.defaultVoiceID == "" {
		return &ConfigurationError{Provider: miniMaxName, Missing: []string{"MINIMAX_VOICE_ID"}}
	}
	_, err := c.Synthesize(ctx, Request{Text: "Hola"}, nil)
	return err
}

func (c *MiniMaxClient) endpoint(path string) string {
	return c.baseURL + path + "?GroupId=" + url.QueryEscape(c.groupID)
}

func sampleExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return ".mp3"
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return ".m4a"
	default:
		return ".wav"
	}
}
