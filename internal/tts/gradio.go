package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/lukasbauer/storyteller/internal/audio"
)

const (
	gradioName       = "gradio"
	gradioDefaultURL = "https://qwen-qwen3-tts.hf.space"
	// gradioFnIndex is the voice-clone endpoint of the Qwen3-TTS space.
	gradioFnIndex = 1
)

// GradioClient synthesizes through a Hugging Face Gradio space running
// Qwen3-TTS. The space queues requests and reports the caller's rank, which
// is surfaced as queue position.
type GradioClient struct {
	spaceURL   string
	token      string
	tuning     GradioTuning
	httpClient *http.Client
}

// GradioConfig holds configuration for the Gradio client.
type GradioConfig struct {
	SpaceURL   string
	Token      string // optional Hugging Face token
	Tuning     GradioTuning
	HTTPClient *http.Client
}

// NewGradioClient creates a new Gradio client.
func NewGradioClient(cfg GradioConfig) *GradioClient {
	spaceURL := strings.TrimRight(cfg.SpaceURL, "/")
	if spaceURL == "" {
		spaceURL = gradioDefaultURL
	}
	tuning := cfg.Tuning
	if tuning.Language == "" {
		tuning = DefaultTuning().Gradio
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GradioClient{
		spaceURL:   spaceURL,
		token:      strings.TrimSpace(cfg.Token),
		tuning:     tuning,
		httpClient: httpClient,
	}
}

// Name implements Provider.
func (c *GradioClient) Name() string { return gradioName }

type gradioFile struct {
	Path string         `json:"path"`
	URL  string         `json:"url,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type gradioJoinRequest struct {
	Data        []any  `json:"data"`
	FnIndex     int    `json:"fn_index"`
	SessionHash string `json:"session_hash"`
}

type gradioMessage struct {
	Msg     string `json:"msg"`
	EventID string `json:"event_id"`
	Rank    *int   `json:"rank"`
	Success *bool  `json:"success"`
	Message string `json:"message"`
	Output  struct {
		Data  []json.RawMessage `json:"data"`
		Error string            `json:"error"`
	} `json:"output"`
}

// Synthesize implements Provider. The space keeps no voices, so the raw
// sample is sent with every request.
func (c *GradioClient) Synthesize(ctx context.Context, req Request, onProgress ProgressFunc) (audio.Clip, error) {
	if req.Voice.Sample == nil || len(req.Voice.Sample.Data) == 0 {
		return audio.Clip{}, fmt.Errorf("%s: %w", gradioName, ErrNoVoice)
	}
	progress := newProgressReporter(gradioName, onProgress)

	progress.report(StageUploading, 0)
	refPath, err := c.upload(ctx, req.Voice.Sample.Data, sampleExtension(req.Voice.Sample.MIMEType))
	if err != nil {
		return audio.Clip{}, err
	}

	session := uuid.NewString()
	join := gradioJoinRequest{
		Data: []any{
			req.Text,
			gradioFile{Path: refPath, Meta: map[string]any{"_type": "gradio.FileData"}},
			"",
			false,
			c.tuning.Language,
			c.tuning.ModelSize,
		},
		FnIndex:     gradioFnIndex,
		SessionHash: session,
	}
	var joined struct {
		EventID string `json:"event_id"`
	}
	if err := c.postJSON(ctx, "/gradio_api/queue/join", join, &joined); err != nil {
		return audio.Clip{}, err
	}
	if joined.EventID == "" {
		return audio.Clip{}, &ProviderError{Provider: gradioName, Message: "queue join returned no event_id", Transient: true}
	}
	progress.report(StageQueued, 0)

	out, err := c.await(ctx, session, progress)
	if err != nil {
		return audio.Clip{}, err
	}

	clip, err := c.download(ctx, out)
	if err != nil {
		return audio.Clip{}, err
	}
	progress.report(StageDone, 0)
	return clip, nil
}

// await follows the queue's SSE stream until the job completes.
func (c *GradioClient) await(ctx context.Context, session string, progress *progressReporter) (gradioFile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.spaceURL+"/gradio_api/queue/data?session_hash="+session, nil)
	if err != nil {
		return gradioFile{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gradioFile{}, transportError(ctx, gradioName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gradioFile{}, statusError(gradioName, resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var msg gradioMessage
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &msg); err != nil {
			continue
		}

		switch msg.Msg {
		case "estimation":
			if msg.Rank != nil {
				// rank is zero-based
				progress.report(StageQueued, *msg.Rank+1)
			}
		case "process_starts":
			progress.report(StageSynthesizing, 0)
		case "process_completed":
			if msg.Success != nil && !*msg.Success {
				detail := msg.Output.Error
				if detail == "" {
					detail = msg.Message
				}
				return gradioFile{}, &ProviderError{Provider: gradioName, Message: "space saturated: " + detail, Transient: true}
			}
			if len(msg.Output.Data) == 0 {
				return gradioFile{}, &ProviderError{Provider: gradioName, Message: "completed without output"}
			}
			var file gradioFile
			if err := json.Unmarshal(msg.Output.Data[0], &file); err != nil || (file.URL == "" && file.Path == "") {
				return gradioFile{}, &ProviderError{Provider: gradioName, Message: "output is not a file"}
			}
			return file, nil
		case "unexpected_error", "queue_full":
			return gradioFile{}, &ProviderError{Provider: gradioName, Message: msg.Msg + ": " + msg.Message, Transient: true}
		case "close_stream":
			return gradioFile{}, &ProviderError{Provider: gradioName, Message: "stream closed before completion", Transient: true}
		}
	}
	if err := scanner.Err(); err != nil {
		return gradioFile{}, transportError(ctx, gradioName, err)
	}
	return gradioFile{}, &ProviderError{Provider: gradioName, Message: "stream ended before completion", Transient: true}
}

func (c *GradioClient) upload(ctx context.Context, data []byte, ext string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "reference"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spaceURL+"/gradio_api/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", transportError(ctx, gradioName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError(gradioName, resp)
	}

	var paths []string
	if err := json.NewDecoder(resp.Body).Decode(&paths); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if len(paths) == 0 {
		return "", &ProviderError{Provider: gradioName, Code: resp.StatusCode, Message: "upload returned no path"}
	}
	return paths[0], nil
}

func (c *GradioClient) download(ctx context.Context, file gradioFile) (audio.Clip, error) {
	fileURL := file.URL
	if fileURL == "" {
		fileURL = c.spaceURL + "/gradio_api/file=" + file.Path
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return audio.Clip{}, transportError(ctx, gradioName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, statusError(gradioName, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return audio.Clip{}, transportError(ctx, gradioName, err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(mimeType, "audio/") {
		mimeType = audio.MIMEWAV
	}
	return audio.Clip{Data: data, MIMEType: mimeType}, nil
}

func (c *GradioClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spaceURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, gradioName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(gradioName, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *GradioClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Probe checks that the space answers its config endpoint.
func (c *GradioClient) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.spaceURL+"/config", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, gradioName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(gradioName, resp)
	}
	return nil
}
