package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Discord is a simple Discord webhook notifier.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

// discordMessage is the payload for Discord webhook.
type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Discord rejects field values over 1024 characters.
const maxFieldValue = 1000

// send posts a message to Discord webhook asynchronously.
// Errors are logged but don't affect caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	// The story run that triggered the alert is usually over by now.
	ctx = context.WithoutCancel(ctx)

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// NotifyProvidersExhausted sends an alert when every TTS provider failed
// for a chunk, so the story could not be narrated.
func (d *Discord) NotifyProvidersExhausted(ctx context.Context, storyID string, chunk, total int, attempts []string) {
	msg := discordMessage{
		Content: "@here", // Ping everyone
		Embeds: []discordEmbed{{
			Title:       "Todos los proveedores de voz fallaron",
			Description: fmt.Sprintf("El fragmento %d de %d no se pudo sintetizar.", chunk, total),
			Color:       0xFF0000, // Red
			Fields: []embedField{
				{Name: "Story ID", Value: fmt.Sprintf("`%s`", storyID), Inline: true},
				{Name: "Intentos", Value: truncate(strings.Join(attempts, "\n"), maxFieldValue)},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyConfigurationMissing sends a warning when a provider is skipped
// because its credentials are not configured.
func (d *Discord) NotifyConfigurationMissing(ctx context.Context, provider string, missing []string) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Configuración incompleta",
			Description: fmt.Sprintf("El proveedor `%s` no tiene credenciales.", provider),
			Color:       0xFFA500, // Orange
			Fields: []embedField{
				{Name: "Faltan", Value: truncate(strings.Join(missing, ", "), maxFieldValue)},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
