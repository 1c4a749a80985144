package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/observability"
)

const (
	// minAuthInterval spaces out SMTP authentications against the relay.
	minAuthInterval = 5 * time.Second
	// idleTimeout tears down an unused transport; it is rebuilt on demand.
	idleTimeout = 5 * time.Minute
	// smtpTimeout bounds every socket operation.
	smtpTimeout = 15 * time.Second
)

// Message is one fully rendered email.
type Message struct {
	To            string
	Subject       string
	Text          string
	HTML          string
	CorrelationID string
}

// Sender delivers rendered messages. The queue and the immediate path both go
// through this interface.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer is a single-owner pooled SMTP transport: one long-lived
// authenticated connection, reused across messages, spaced authentications,
// idle teardown.
type Mailer struct {
	cfg config.SMTP
	log *zap.Logger

	mu       sync.Mutex
	client   *mail.Client
	dialed   bool
	lastDial time.Time
	lastUsed time.Time
}

// NewMailer validates the relay credentials and prepares the pool. No
// connection is made until the first send.
func NewMailer(cfg config.SMTP, log *zap.Logger) (*Mailer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &Mailer{cfg: cfg, log: log}, nil
}

func (m *Mailer) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(smtpTimeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.User),
			mail.WithPassword(m.cfg.Pass),
		)
	}
	return mail.NewClient(m.cfg.Host, opts...)
}

// ensureDialedLocked guarantees a live connection, honouring the minimum
// interval between authentications. Caller holds m.mu.
func (m *Mailer) ensureDialedLocked(ctx context.Context) error {
	if m.dialed && time.Since(m.lastUsed) > idleTimeout {
		m.teardownLocked()
	}
	if m.dialed {
		return nil
	}

	if wait := minAuthInterval - time.Since(m.lastDial); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	client, err := m.newClient()
	if err != nil {
		return err
	}
	m.lastDial = time.Now()
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}
	m.client = client
	m.dialed = true
	return nil
}

func (m *Mailer) teardownLocked() {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.log.Debug("smtp close", zap.Error(err))
		}
	}
	m.client = nil
	m.dialed = false
}

// Send delivers one message over the pooled connection, rebuilding the
// transport and retrying once on a stale-connection error.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	err := m.sendLocked(ctx, msg)
	if err != nil {
		// The relay may have dropped the idle connection; rebuild and retry.
		m.teardownLocked()
		err = m.sendLocked(ctx, msg)
	}
	observability.EmailSendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		m.teardownLocked()
		m.log.Error("email delivery failed",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("to", msg.To),
			zap.Error(err))
		return err
	}
	m.lastUsed = time.Now()
	m.log.Info("email delivered",
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (m *Mailer) sendLocked(ctx context.Context, msg Message) error {
	if err := m.ensureDialedLocked(ctx); err != nil {
		return err
	}

	mm := mail.NewMsg()
	if err := mm.From(m.cfg.From); err != nil {
		return fmt.Errorf("from %q: %w", m.cfg.From, err)
	}
	if err := mm.To(msg.To); err != nil {
		return fmt.Errorf("to %q: %w", msg.To, err)
	}
	mm.Subject(msg.Subject)
	mm.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		mm.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	return m.client.Send(mm)
}

// Close tears down the transport.
func (m *Mailer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}
