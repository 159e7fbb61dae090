package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/tlundqvist/gotrack/internal/track"
)

// subjectPrefix marks every outgoing mail.
const subjectPrefix = "[gotrack] "

// MailSettings configures the SMTP notifier.
type MailSettings struct {
	// Addr is the mail relay (host:port).
	Addr string

	// From is the envelope and header sender; To lists the recipients.
	From string
	To   []string

	// Username enables PLAIN auth when non-empty.
	Username string
	Password string
}

// MailNotifier delivers events as plain-text mail through one SMTP
// relay. Deliveries are independent; the pipeline bounds each with its
// notify timeout.
type MailNotifier struct {
	settings MailSettings
	logger   *slog.Logger
}

// Interface compliance check.
var _ track.Notifier = (*MailNotifier)(nil)

// NewMailNotifier creates a notifier for the given relay settings.
func NewMailNotifier(settings MailSettings, logger *slog.Logger) *MailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailNotifier{
		settings: settings,
		logger:   logger.With(slog.String("component", "mail")),
	}
}

// SendEvent renders ev as a mail message and submits it to the relay.
func (n *MailNotifier) SendEvent(ctx context.Context, ev track.Event) error {
	if len(n.settings.To) == 0 {
		return nil
	}

	msg := buildMessage(n.settings.From, n.settings.To,
		subjectPrefix+eventSubject(ev), eventBody(ev), time.Now())

	if err := n.submit(ctx, msg); err != nil {
		return fmt.Errorf("mail %s: %w", eventSubject(ev), err)
	}

	n.logger.Debug("mail sent",
		slog.String("subject", eventSubject(ev)),
		slog.Int("recipients", len(n.settings.To)),
	)
	return nil
}

// submit speaks SMTP to the relay. The connection deadline comes from
// ctx so a stuck relay cannot park the pipeline's notify step.
func (n *MailNotifier) submit(ctx context.Context, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.settings.Addr)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", n.settings.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(n.settings.Addr)
	if err != nil {
		host = n.settings.Addr
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if n.settings.Username != "" {
		auth := smtp.PlainAuth("", n.settings.Username, n.settings.Password, host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(n.settings.From); err != nil {
		return fmt.Errorf("mail from %s: %w", n.settings.From, err)
	}
	for _, rcpt := range n.settings.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return c.Quit()
}

// buildMessage assembles an RFC 5322 plain-text message with CRLF line
// endings.
func buildMessage(from string, to []string, subject string, body []string, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	for _, line := range body {
		b.WriteString(line + "\r\n")
	}
	return []byte(b.String())
}
