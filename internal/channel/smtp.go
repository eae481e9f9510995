package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/herald/internal/dkim"
)

// SMTP connection security modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// SMTPConfig describes the relay campaign email is handed to
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Hostname           string        `yaml:"hostname"`
	From               string        `yaml:"from"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SMTPSender hands email to a submission relay
type SMTPSender struct {
	cfg    SMTPConfig
	signer *dkim.Signer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPSender creates a new relay sender. signer may be nil.
func NewSMTPSender(cfg SMTPConfig, signer *dkim.Signer, logger *slog.Logger) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &SMTPSender{
		cfg:    cfg,
		signer: signer,
		logger: logger.With("component", "smtp"),
		now:    time.Now,
	}
}

// SendEmail builds, signs and submits a single message
func (s *SMTPSender) SendEmail(ctx context.Context, msg *EmailMessage) (bool, error) {
	m := *msg
	if m.From == "" {
		m.From = s.cfg.From
	}
	if m.To == "" {
		return false, Permanentf("no recipient address")
	}

	data := BuildEmail(&m, s.now())
	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	if err := s.submit(ctx, Envelope(m.From), Envelope(m.To), data); err != nil {
		return false, err
	}

	s.logger.Debug("message submitted", "to", m.To, "relay", s.cfg.Host)
	return true, nil
}

func (s *SMTPSender) submit(ctx context.Context, from, to string, data []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Temporaryf("connection failed to %s: %v", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}

	if s.cfg.TLS == TLSImplicit {
		conn = tls.Client(conn, tlsConfig)
	}

	var client *smtp.Client
	if s.cfg.TLS == TLSStartTLS {
		// the constructor greets the relay and upgrades the connection
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return categorizeError(err, "STARTTLS")
		}
	} else {
		client = smtp.NewClient(conn)
		if err := client.Hello(s.cfg.Hostname); err != nil {
			client.Close()
			return categorizeError(err, "HELO")
		}
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, "RCPT TO "+to)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return Temporaryf("failed to write message data: %v", err)
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()
	return nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorizeError maps a relay reply to a delivery error: 5xx is permanent,
// everything else temporary
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	code := 0
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		code = se.Code
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		code, _ = strconv.Atoi(m[1])
	}

	return &DeliveryError{
		Temporary: code < 500,
		Code:      code,
		Message:   msg,
	}
}
