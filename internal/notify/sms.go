package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/afroash/aq-notify/internal/errs"
)

// SMSOptions configures an SMSGateway
type SMSOptions struct {
	// URL is the gateway's message endpoint. "{account}" is replaced with
	// AccountID.
	URL       string
	AccountID string
	AuthToken string
	From      string
	Timeout   time.Duration
}

// SMSGateway posts one form-encoded request per recipient to a
// Twilio-style messaging endpoint using basic auth
type SMSGateway struct {
	endpoint  string
	accountID string
	authToken string
	from      string
	http      *http.Client
	logger    zerolog.Logger
}

var _ Texter = (*SMSGateway)(nil)

// NewSMSGateway creates a gateway client
func NewSMSGateway(opts SMSOptions, logger zerolog.Logger) *SMSGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &SMSGateway{
		endpoint:  strings.ReplaceAll(opts.URL, "{account}", url.PathEscape(opts.AccountID)),
		accountID: opts.AccountID,
		authToken: opts.AuthToken,
		from:      opts.From,
		http:      &http.Client{Timeout: opts.Timeout},
		logger:    logger,
	}
}

// SendText sends body to every recipient. Recipients that fail are
// returned in a *PartialError; the error is transient when any failure was.
func (g *SMSGateway) SendText(ctx context.Context, recipients []string, body string) error {
	const op = "notify.sms"
	if len(recipients) == 0 {
		return nil
	}

	var failed []string
	var sendErrs []error
	for _, to := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.sendOne(ctx, op, to, body); err != nil {
			g.logger.Warn().Err(err).Str("to", maskRecipient(to)).Msg("SMS send failed")
			failed = append(failed, to)
			sendErrs = append(sendErrs, err)
			continue
		}
		g.logger.Debug().Str("to", maskRecipient(to)).Msg("SMS sent")
	}

	if len(failed) == 0 {
		return nil
	}
	partial := &PartialError{Failed: failed, Err: errors.Join(sendErrs...)}
	for _, err := range sendErrs {
		if errs.IsTransient(err) {
			return errs.Transient(op, partial)
		}
	}
	return partial
}

func (g *SMSGateway) sendOne(ctx context.Context, op, to, body string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", g.from)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errs.Configuration(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.accountID, g.authToken)

	resp, err := g.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Transient(op, statusErr)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.Configuration(op, statusErr)
	default:
		return errs.DataQuality(op, statusErr)
	}
}

// maskRecipient keeps the last four characters of a phone number or address
func maskRecipient(r string) string {
	if len(r) <= 4 {
		return "****"
	}
	return "****" + r[len(r)-4:]
}
