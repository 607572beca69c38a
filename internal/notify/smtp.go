package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polarfoxDev/anchor/internal/config"
)

// SMTPNotifier sends mail over a fresh TLS connection for every message
type SMTPNotifier struct {
	cfg     config.MailConfig
	timeout time.Duration
	now     func() time.Time
}

// NewSMTPNotifier creates a notifier for the given mail section
func NewSMTPNotifier(cfg config.MailConfig) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:     cfg,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
}

// New returns an SMTP notifier when mail is configured, otherwise a no-op notifier
func New(cfg config.MailConfig) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewSMTPNotifier(cfg)
}

// Send connects, authenticates, delivers one message and quits
func (n *SMTPNotifier) Send(ctx context.Context, subject, body string) error {
	client, err := n.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if n.cfg.Username != "" && n.cfg.Password != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(n.cfg.To); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(n.buildMessage(subject, body))); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// The message is accepted once DATA closes; a failing QUIT does not matter.
	_ = client.Quit()
	return nil
}

func (n *SMTPNotifier) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprint(n.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName: n.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	netDialer := &net.Dialer{Timeout: n.timeout}

	var conn net.Conn
	var err error
	if n.cfg.StartTLS {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	if n.cfg.StartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

// buildMessage constructs a plain text message with headers
func (n *SMTPNotifier) buildMessage(subject, body string) string {
	var msg strings.Builder

	domain := "localhost"
	if at := strings.LastIndex(n.cfg.From, "@"); at >= 0 {
		domain = n.cfg.From[at+1:]
	}

	msg.WriteString(fmt.Sprintf("From: %s\r\n", n.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", n.cfg.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", n.now().Format(time.RFC1123Z)))
	msg.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.NewString(), domain))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	msg.WriteString("\r\n")

	return msg.String()
}

// sanitizeHeader keeps a header value on one line
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
