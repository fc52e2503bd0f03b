// Package mailer is the send transport gateway: per-account credential
// resolution, STARTTLS submission, and retry on transient relay
// overload. Quota accounting lives in the store; the send handler
// consults it before and during a run.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/domain"
	"github.com/slsupport/email-agent/internal/pkg/logger"
)

const (
	// relay421Wait is how long to back off when the relay answers 421
	// (service not available, usually rate pressure).
	relay421Wait = 60 * time.Second
	maxAttempts  = 5
)

// SendParams describes one message submission.
type SendParams struct {
	Student  *domain.Student
	HTML     string
	Subject  string
	Account  string
	FromName string
	ReplyTo  string
	Preview  string
	DryRun   bool

	// Wait, when set, replaces the plain context sleep used between 421
	// retries so the send loop's interruptible sleep applies.
	Wait func(ctx context.Context, d time.Duration) error
}

// Gateway submits personalized messages over SMTP.
type Gateway struct {
	cfg   config.SMTPConfig
	cache *credentialCache
	log   *logger.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context, host string, port int, username, password string, msg *mail.Msg) error
}

// New builds a Gateway over the credential store.
func New(cfg config.SMTPConfig, creds CredentialStore, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:   cfg,
		cache: newCredentialCache(creds),
		log:   log,
		dial:  dialAndSend,
	}
}

// Send submits one message. Dry runs resolve credentials and log the
// would-be delivery without touching the relay. A 421 answer waits and
// retries up to maxAttempts; every other SMTP failure is fatal.
func (g *Gateway) Send(ctx context.Context, p SendParams) error {
	creds, err := g.cache.get(ctx, p.Account, p.Student.Country)
	if err != nil {
		return err
	}

	if p.DryRun {
		g.log.Log(logger.Debug, "DRYRUN",
			"email", p.Student.Email,
			"country", p.Student.Country,
			"account", adjustAccount(p.Account, p.Student.Country),
			"subject", p.Subject)
		return nil
	}

	fromName := p.FromName
	if fromName == "" {
		fromName = g.cfg.DefaultFromName
	}
	fromAddr := creds.Email
	if fromAddr == "" {
		fromAddr = creds.Username
	}
	preview := p.Preview
	if preview == "" {
		preview = g.cfg.DefaultPreview
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(fromName, fromAddr); err != nil {
		return fmt.Errorf("invalid from address %q: %w", fromAddr, err)
	}
	if err := msg.To(p.Student.Email); err != nil {
		return fmt.Errorf("invalid recipient address %q: %w", p.Student.Email, err)
	}
	if p.ReplyTo != "" {
		if err := msg.ReplyTo(p.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply-to address %q: %w", p.ReplyTo, err)
		}
	}
	msg.Subject(p.Subject)
	msg.SetBodyString(mail.TypeTextPlain, preview)
	msg.AddAlternativeString(mail.TypeTextHTML, p.HTML)

	host := g.cfg.Server
	if creds.Server != "" {
		host = creds.Server
	}

	wait := p.Wait
	if wait == nil {
		wait = contextSleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = g.dial(ctx, host, g.cfg.Port, creds.Username, creds.Password, msg)
		if lastErr == nil {
			return nil
		}
		if !isRelayBusy(lastErr) {
			return fmt.Errorf("sending to %s: %w", logger.RedactEmail(p.Student.Email), lastErr)
		}
		if attempt == maxAttempts {
			break
		}
		g.log.Warn("relay busy, backing off",
			"attempt", attempt, "host", host, "error", lastErr.Error())
		if err := wait(ctx, relay421Wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("relay busy after %d attempts: %w", maxAttempts, lastErr)
}

// dialAndSend performs one STARTTLS submission.
func dialAndSend(ctx context.Context, host string, port int, username, password string, msg *mail.Msg) error {
	client, err := mail.NewClient(host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTimeout(30*time.Second),
	)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// isRelayBusy reports whether the failure is an SMTP 421 reply, the
// relay's service-unavailable answer under rate pressure.
func isRelayBusy(err error) bool {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) && sendErr.ErrorCode() == 421 {
		return true
	}
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code == 421
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
