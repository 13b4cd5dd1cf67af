package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/turbolytics/patina/internal/codec"
)

const (
	colorSuccess = 0x22c55e
	colorFailure = 0xef4444

	maxFailureLines = 10
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title     string       `json:"title"`
	Color     int          `json:"color"`
	Fields    []embedField `json:"fields"`
	Footer    *embedFooter `json:"footer,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

type DiscordOption func(*Discord)

func WithLogger(l *zap.Logger) DiscordOption {
	return func(d *Discord) {
		d.logger = l
	}
}

func WithTimeout(timeout time.Duration) DiscordOption {
	return func(d *Discord) {
		d.client.SetTimeout(timeout)
	}
}

// Discord posts job summaries to a Discord webhook as a single embed.
type Discord struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

func NewDiscord(url string, opts ...DiscordOption) *Discord {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(10 * time.Second)

	d := &Discord{
		client: client,
		url:    url,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Discord) Send(ctx context.Context, s Summary) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(formatDiscord(s)).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("failed to call discord webhook: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("discord webhook error: status %d", resp.StatusCode())
	}

	d.logger.Debug("alert sent",
		zap.String("job_id", s.JobID),
		zap.String("status", string(s.Status)),
	)
	return nil
}

func formatDiscord(s Summary) webhookPayload {
	color := colorSuccess
	if s.Kind == KindFailure {
		color = colorFailure
	}

	title := "✅ Backup Completed"
	switch s.Status {
	case StatusPartialFailure:
		title = "⚠️ Backup Partially Failed"
	case StatusFailed:
		title = "❌ Backup Failed"
	}

	fields := []embedField{
		{
			Name:   "Sources",
			Value:  fmt.Sprintf("%d/%d successful", s.Successful, s.Successful+s.Failed),
			Inline: true,
		},
		{
			Name:   "Total Size",
			Value:  codec.HumanizeBytes(s.TotalBytes),
			Inline: true,
		},
		{
			Name:   "Duration",
			Value:  s.Duration.Round(time.Millisecond).String(),
			Inline: true,
		},
	}

	if len(s.Failures) > 0 {
		lines := make([]string, 0, maxFailureLines+1)
		for i, f := range s.Failures {
			if i == maxFailureLines {
				lines = append(lines, fmt.Sprintf("and %d more", len(s.Failures)-maxFailureLines))
				break
			}
			lines = append(lines, fmt.Sprintf("**%s**: %s", f.Source, f.Error))
		}
		fields = append(fields, embedField{
			Name:  "Failures",
			Value: strings.Join(lines, "\n"),
		})
	}

	if s.Error != "" {
		fields = append(fields, embedField{
			Name:  "Error",
			Value: s.Error,
		})
	}

	e := embed{
		Title:  title,
		Color:  color,
		Fields: fields,
		Footer: &embedFooter{Text: "Job ID: " + s.JobID},
	}
	if !s.Timestamp.IsZero() {
		e.Timestamp = s.Timestamp.UTC().Format(time.RFC3339)
	}

	return webhookPayload{Embeds: []embed{e}}
}
