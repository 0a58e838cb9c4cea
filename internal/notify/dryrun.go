package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Sent is one message captured by DryRun
type Sent struct {
	Recipients  []string
	Subject     string
	Body        string
	Attachments []string
}

// DryRun logs messages instead of sending them
type DryRun struct {
	mu     sync.Mutex
	sent   []Sent
	logger zerolog.Logger
}

var (
	_ Texter = (*DryRun)(nil)
	_ Mailer = (*DryRun)(nil)
)

func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

func (d *DryRun) SendText(ctx context.Context, recipients []string, body string) error {
	d.record(Sent{Recipients: recipients, Body: body})
	d.logger.Info().
		Int("recipients", len(recipients)).
		Str("body", body).
		Msg("Dry run: text not sent")
	return nil
}

func (d *DryRun) SendEmail(ctx context.Context, recipients []string, subject, body string, attachments []Attachment) error {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, a.Name)
	}
	d.record(Sent{Recipients: recipients, Subject: subject, Body: body, Attachments: names})
	d.logger.Info().
		Int("recipients", len(recipients)).
		Str("subject", subject).
		Strs("attachments", names).
		Msg("Dry run: email not sent")
	return nil
}

func (d *DryRun) record(s Sent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.Recipients = append([]string(nil), s.Recipients...)
	d.sent = append(d.sent, s)
}

// Sent returns a copy of every captured message
func (d *DryRun) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}
