package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/herald/internal/channel"
)

// Capture modes
const (
	ModeCapture  = "capture"
	ModeRedirect = "redirect"
)

// simulatedReplies are picked at random when error simulation is on
var simulatedReplies = []struct {
	code      int
	message   string
	temporary bool
}{
	{550, "550 User not found", false},
	{451, "451 Temporary failure", true},
	{452, "452 Insufficient storage", true},
	{421, "421 Service not available", true},
}

// Config contains sandbox settings
type Config struct {
	// RedirectEmail sends every email to this address through the real sender
	RedirectEmail    string
	SimulateErrors   bool
	ErrorProbability float64
}

// Sender implements every channel sender by recording the message.
// With RedirectEmail set, email is also delivered to that single address.
type Sender struct {
	storage *Storage
	email   channel.EmailSender
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	random  func() float64
	pick    func(n int) int
}

// NewSender creates a new sandbox sender. email is only used in redirect mode.
func NewSender(storage *Storage, email channel.EmailSender, cfg Config, logger *slog.Logger) *Sender {
	if cfg.ErrorProbability <= 0 || cfg.ErrorProbability > 1 {
		cfg.ErrorProbability = 0.1
	}
	return &Sender{
		storage: storage,
		email:   email,
		cfg:     cfg,
		logger:  logger.With("component", "sandbox"),
		now:     func() time.Time { return time.Now().UTC() },
		random:  rand.Float64,
		pick:    rand.Intn,
	}
}

// SendEmail captures an email, delivering it to the redirect address when configured
func (s *Sender) SendEmail(ctx context.Context, msg *channel.EmailMessage) (bool, error) {
	m := &Message{
		Channel: "email",
		To:      msg.To,
		Subject: msg.Subject,
		Body:    msg.Text,
		HTML:    msg.HTML,
		Mode:    ModeCapture,
	}

	if s.cfg.RedirectEmail == "" || s.email == nil {
		return s.capture(ctx, m)
	}

	m.Mode = ModeRedirect
	m.OriginalTo = msg.To
	m.To = s.cfg.RedirectEmail
	if _, err := s.capture(ctx, m); err != nil {
		return false, err
	}

	redirected := *msg
	redirected.To = s.cfg.RedirectEmail
	s.logger.Info("redirecting email", "original_to", msg.To, "redirect_to", s.cfg.RedirectEmail)
	return s.email.SendEmail(ctx, &redirected)
}

// SendSMS captures a text message
func (s *Sender) SendSMS(ctx context.Context, msg *channel.SMSMessage) (bool, error) {
	return s.capture(ctx, &Message{Channel: "sms", To: msg.To, Body: msg.Body, Mode: ModeCapture})
}

// SendInApp captures an in-app notification
func (s *Sender) SendInApp(ctx context.Context, msg *channel.InAppMessage) (bool, error) {
	return s.capture(ctx, &Message{
		Channel: "in_app",
		To:      msg.UserID,
		Subject: msg.Title,
		Body:    msg.Message,
		Mode:    ModeCapture,
	})
}

func (s *Sender) capture(ctx context.Context, m *Message) (bool, error) {
	m.ID = uuid.New().String()
	m.CapturedAt = s.now()

	var simulated *channel.DeliveryError
	if s.cfg.SimulateErrors && s.random() < s.cfg.ErrorProbability {
		reply := simulatedReplies[s.pick(len(simulatedReplies))]
		m.SimulatedErr = reply.message
		simulated = &channel.DeliveryError{
			Temporary: reply.temporary,
			Code:      reply.code,
			Message:   reply.message,
		}
	}

	if err := s.storage.Save(ctx, m); err != nil {
		return false, fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	if simulated != nil {
		s.logger.Info("simulated delivery failure", "channel", m.Channel, "to", m.To, "error", simulated)
		return false, simulated
	}

	s.logger.Debug("message captured", "id", m.ID, "channel", m.Channel, "to", m.To)
	return true, nil
}
