// Package alert emails tenant operators when call analysis reports
// urgent topics. Sending is best effort: a failed notification is
// logged and never affects the call it describes.
package alert

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Config holds the SMTP server settings for one tenant.
type Config struct {
	Host     string
	Port     string // 25, 587, 465
	From     string
	Username string
	Password string // plaintext after decryption
	TLS      string // "none", "starttls", "tls"
}

// Valid reports whether the minimum required fields are set.
func (c Config) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// Notification describes one urgent call for email delivery.
type Notification struct {
	To              string // recipient email address
	TenantName      string
	CallerNumber    string
	CallerName      string
	CalleeNumber    string
	ReceivedAt      time.Time
	DurationSeconds int
	UrgentTopics    string
	Summary         string
	Sentiment       string
}

// IsUrgent reports whether an analysis urgent-topics value warrants a
// notification. The analyzer writes "None" when nothing stood out.
func IsUrgent(topics string) bool {
	t := strings.TrimSpace(topics)
	return t != "" && !strings.EqualFold(t, "none")
}

// Sender delivers urgent-call notifications via SMTP.
type Sender struct {
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSender creates an alert Sender.
func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		logger:   logger.With("source", "alert"),
		dialFunc: defaultDial,
	}
}

// Notify sends one urgent-call email.
func (s *Sender) Notify(ctx context.Context, cfg Config, n Notification) error {
	if !cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if n.To == "" {
		return fmt.Errorf("no recipient email address")
	}

	msg := buildMessage(cfg, n)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	// STARTTLS upgrade if requested and supported.
	if strings.EqualFold(cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	// Authenticate if credentials are provided.
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(n.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("urgent call notification sent",
		"to", n.To,
		"tenant", n.TenantName,
		"caller", n.CallerNumber,
	)

	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or
// implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildMessage constructs the plain-text email bytes.
func buildMessage(cfg Config, n Notification) []byte {
	callerDisplay := n.CallerNumber
	if n.CallerName != "" {
		callerDisplay = fmt.Sprintf("%s <%s>", n.CallerName, n.CallerNumber)
	}

	subject := fmt.Sprintf("Urgent call alert from %s", callerDisplay)

	var body bytes.Buffer
	fmt.Fprintf(&body, "A call flagged with urgent topics finished processing for %s.\n\n", n.TenantName)
	fmt.Fprintf(&body, "From: %s\n", callerDisplay)
	if n.CalleeNumber != "" {
		fmt.Fprintf(&body, "To: %s\n", n.CalleeNumber)
	}
	fmt.Fprintf(&body, "Received: %s\n", n.ReceivedAt.Format("Mon, 02 Jan 2006 3:04 PM"))
	fmt.Fprintf(&body, "Duration: %s\n", formatDuration(n.DurationSeconds))
	fmt.Fprintf(&body, "\nUrgent topics:\n%s\n", strings.TrimSpace(n.UrgentTopics))
	if n.Summary != "" {
		fmt.Fprintf(&body, "\nSummary:\n%s\n", strings.TrimSpace(n.Summary))
	}
	if n.Sentiment != "" {
		fmt.Fprintf(&body, "\nSentiment: %s\n", n.Sentiment)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", n.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.Write(body.Bytes())

	return buf.Bytes()
}

// formatDuration converts seconds into a string like "2m 15s".
func formatDuration(secs int) string {
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	m := secs / 60
	s := secs % 60
	if s == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
