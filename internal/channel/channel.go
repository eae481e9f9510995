// Package channel contains the outbound senders used by the delivery processor.
package channel

import (
	"context"
	"errors"
	"fmt"
)

// EmailMessage is a rendered campaign email
type EmailMessage struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
}

// SMSMessage is a rendered text message
type SMSMessage struct {
	To   string
	Body string
}

// InAppMessage is a notification shown inside the product
type InAppMessage struct {
	UserID  string
	Title   string
	Message string
	Data    map[string]string
}

// EmailSender delivers email. delivered=false with a nil error means the
// provider accepted the call but did not take the message.
type EmailSender interface {
	SendEmail(ctx context.Context, msg *EmailMessage) (bool, error)
}

// SMSSender delivers text messages
type SMSSender interface {
	SendSMS(ctx context.Context, msg *SMSMessage) (bool, error)
}

// InAppSender delivers in-app notifications
type InAppSender interface {
	SendInApp(ctx context.Context, msg *InAppMessage) (bool, error)
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Temporaryf returns a retryable delivery error
func Temporaryf(format string, args ...any) *DeliveryError {
	return &DeliveryError{Temporary: true, Message: fmt.Sprintf(format, args...)}
}

// Permanentf returns a delivery error that must not be retried
func Permanentf(format string, args ...any) *DeliveryError {
	return &DeliveryError{Temporary: false, Message: fmt.Sprintf(format, args...)}
}

// IsTemporary checks if the error is temporary. Unknown errors are.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// IsRejection reports whether err is a permanent refusal by the receiving side
func IsRejection(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && !de.Temporary
}
