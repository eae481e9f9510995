// Package reminder schedules appointment reminders as keyed dispatch jobs.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/events"
	"github.com/foxzi/herald/internal/queue"
)

// Appointment events handled by the scheduler
const (
	EventAppointmentCreated     = "appointment.created"
	EventAppointmentRescheduled = "appointment.rescheduled"
	EventAppointmentCancelled   = "appointment.cancelled"
)

// Queue is the part of the dispatch queue reminders use
type Queue interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration, policy queue.RetryPolicy) error
	FindByKey(ctx context.Context, executionID, idempotencyKey string) (*queue.Job, error)
	Remove(ctx context.Context, id string) error
}

// RecipientStore resolves the person an appointment belongs to
type RecipientStore interface {
	Get(ctx context.Context, tenantID, id string) (*campaign.Recipient, error)
}

// Config contains reminder settings
type Config struct {
	// Intervals are lead times in minutes before the appointment start
	Intervals []int
	Channel   campaign.Type
	Subject   string
	Body      string
	Retry     queue.RetryPolicy
}

// Appointment is the payload of an appointment event
type Appointment struct {
	ID          string
	TenantID    string
	RecipientID string
	StartsAt    time.Time
	Service     string
}

// Scheduler turns appointment events into reminder jobs
type Scheduler struct {
	queue      Queue
	recipients RecipientStore
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new reminder scheduler
func New(q Queue, recipients RecipientStore, cfg Config, logger *slog.Logger) *Scheduler {
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []int{24 * 60, 60}
	}
	if cfg.Channel == "" {
		cfg.Channel = campaign.TypeEmail
	}
	if cfg.Subject == "" {
		cfg.Subject = "Reminder: {{service}} at {{starts_at}}"
	}
	if cfg.Body == "" {
		cfg.Body = "Hi {{name}}, this is a reminder of your {{service}} appointment at {{starts_at}}."
	}

	return &Scheduler{
		queue:      q,
		recipients: recipients,
		cfg:        cfg,
		logger:     logger.With("component", "reminder"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Key is the idempotency key of the reminder of an appointment at a lead interval.
// Reminder jobs carry the tenant as execution id so equal keys of two tenants never collide.
func Key(appointmentID string, intervalMinutes int) string {
	return appointmentID + ":" + strconv.Itoa(intervalMinutes)
}

// HandleEvent reacts to appointment events, ignoring everything else
func (s *Scheduler) HandleEvent(ctx context.Context, ev events.Event) {
	var err error
	switch ev.Name {
	case EventAppointmentCreated:
		_, err = s.scheduleEvent(ctx, ev)
	case EventAppointmentRescheduled:
		if err = s.Cancel(ctx, ev.TenantID, ev.Payload["appointmentId"]); err == nil {
			_, err = s.scheduleEvent(ctx, ev)
		}
	case EventAppointmentCancelled:
		err = s.Cancel(ctx, ev.TenantID, ev.Payload["appointmentId"])
	default:
		return
	}

	if err != nil {
		s.logger.Error("failed to handle appointment event", "event", ev.Name, "error", err)
	}
}

func (s *Scheduler) scheduleEvent(ctx context.Context, ev events.Event) (int, error) {
	appt, err := ParseAppointment(ev)
	if err != nil {
		return 0, err
	}
	return s.Schedule(ctx, appt)
}

// ParseAppointment reads an appointment from an event payload
func ParseAppointment(ev events.Event) (*Appointment, error) {
	p := ev.Payload
	appt := &Appointment{
		ID:          p["appointmentId"],
		TenantID:    ev.TenantID,
		RecipientID: p["recipientId"],
		Service:     p["service"],
	}
	if appt.RecipientID == "" {
		appt.RecipientID = p["customerId"]
	}
	if appt.ID == "" || appt.RecipientID == "" {
		return nil, fmt.Errorf("appointment event needs appointmentId and recipientId")
	}

	startsAt, err := time.Parse(time.RFC3339, p["startsAt"])
	if err != nil {
		return nil, fmt.Errorf("invalid startsAt: %w", err)
	}
	appt.StartsAt = startsAt.UTC()
	return appt, nil
}

// Schedule enqueues one reminder per lead interval that is still ahead.
// Scheduling the same appointment again does not create duplicates.
func (s *Scheduler) Schedule(ctx context.Context, appt *Appointment) (int, error) {
	r, err := s.recipients.Get(ctx, appt.TenantID, appt.RecipientID)
	if err != nil {
		return 0, fmt.Errorf("failed to load recipient: %w", err)
	}
	if r.Status == campaign.RecipientUnsubscribed {
		s.logger.Info("recipient unsubscribed, no reminders", "appointment_id", appt.ID)
		return 0, nil
	}

	address := r.Address(s.cfg.Channel)
	if address == "" {
		return 0, fmt.Errorf("recipient %s has no %s address", r.ID, s.cfg.Channel)
	}

	data := r.TemplateData()
	data["appointment_id"] = appt.ID
	data["starts_at"] = appt.StartsAt.Format("2006-01-02 15:04 MST")
	data["service"] = appt.Service

	now := s.now()
	scheduled := 0
	for _, minutes := range s.cfg.Intervals {
		fireAt := appt.StartsAt.Add(-time.Duration(minutes) * time.Minute)
		if fireAt.Before(now) {
			continue
		}

		job := &queue.Job{
			Kind:           queue.KindReminder,
			TenantID:       appt.TenantID,
			RecipientID:    r.ID,
			Channel:        string(s.cfg.Channel),
			Address:        address,
			Subject:        s.cfg.Subject,
			Body:           s.cfg.Body,
			TemplateData:   data,
			IdempotencyKey: Key(appt.ID, minutes),
			ExecutionID:    appt.TenantID,
		}

		err := s.queue.Enqueue(ctx, job, fireAt.Sub(now), s.cfg.Retry)
		if errors.Is(err, queue.ErrDuplicateJob) {
			s.logger.Debug("reminder already scheduled", "key", job.IdempotencyKey)
			continue
		}
		if err != nil {
			return scheduled, fmt.Errorf("failed to enqueue reminder %s: %w", job.IdempotencyKey, err)
		}
		scheduled++
	}

	s.logger.Info("reminders scheduled", "appointment_id", appt.ID, "count", scheduled)
	return scheduled, nil
}

// Cancel removes every not yet sent reminder of a tenant's appointment
func (s *Scheduler) Cancel(ctx context.Context, tenantID, appointmentID string) error {
	if appointmentID == "" {
		return fmt.Errorf("appointment event needs appointmentId")
	}

	removed := 0
	for _, minutes := range s.cfg.Intervals {
		job, err := s.queue.FindByKey(ctx, tenantID, Key(appointmentID, minutes))
		if err != nil {
			return fmt.Errorf("failed to look up reminder: %w", err)
		}
		if job == nil {
			continue
		}

		err = s.queue.Remove(ctx, job.ID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, queue.ErrJobInFlight), errors.Is(err, queue.ErrJobNotFound):
			s.logger.Debug("reminder not removable", "job_id", job.ID, "error", err)
		default:
			return fmt.Errorf("failed to remove reminder: %w", err)
		}
	}

	s.logger.Info("reminders cancelled", "tenant_id", tenantID, "appointment_id", appointmentID, "count", removed)
	return nil
}
