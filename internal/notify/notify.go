// Package notify delivers alert and summary messages over SMS and email.
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Attachment is a file carried by an email
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Texter sends a plain text message to each recipient
type Texter interface {
	SendText(ctx context.Context, recipients []string, body string) error
}

// Mailer sends one email to all recipients
type Mailer interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string, attachments []Attachment) error
}

// PartialError reports recipients a send did not reach. Retrying with
// Failed as the recipient list avoids duplicate deliveries.
type PartialError struct {
	Failed []string
	Err    error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("send failed for %d recipient(s) [%s]: %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}
