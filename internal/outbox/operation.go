package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the side effect an operation performs. The set is closed.
type Kind string

const (
	KindContactMessage          Kind = "contact"
	KindAppointmentNotification Kind = "appointment"
)

func (k Kind) Valid() bool {
	switch k {
	case KindContactMessage, KindAppointmentNotification:
		return true
	}
	return false
}

type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// Payload is implemented by the typed records an operation can carry.
type Payload interface {
	Kind() Kind
}

type ContactMessage struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Message   string    `json:"message,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (ContactMessage) Kind() Kind { return KindContactMessage }

type AppointmentNotification struct {
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	ServiceType string    `json:"serviceType"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Notes       string    `json:"notes,omitempty"`
	UID         string    `json:"uid,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (AppointmentNotification) Kind() Kind { return KindAppointmentNotification }

// DecodePayload returns the typed payload of op.
func DecodePayload(op PendingOperation) (Payload, error) {
	switch op.Kind {
	case KindContactMessage:
		var p ContactMessage
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrPermanent, op.Kind, err)
		}
		return p, nil
	case KindAppointmentNotification:
		var p AppointmentNotification
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", ErrPermanent, op.Kind, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
}
