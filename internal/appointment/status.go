// Package appointment holds the appointment lifecycle shared by the
// booking handlers, the approval notifier and the server-side trigger.
package appointment

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Document field names.
const (
	FieldOwner              = "uid"
	FieldStatus             = "status"
	FieldDate               = "date"
	FieldTime               = "time"
	FieldServiceType        = "serviceType"
	FieldCreatedAt          = "createdAt"
	FieldApprovedNotified   = "approvedNotified"
	FieldApprovedNotifiedAt = "approvedNotifiedAt"
	FieldPushSent           = "pushNotificationSent"
	FieldPushSentAt         = "pushNotificationSentAt"
)

const Collection = "appointments"

var statusAliases = map[string]Status{
	"":           StatusPending,
	"pending":    StatusPending,
	"pendiente":  StatusPending,
	"approved":   StatusApproved,
	"aprobada":   StatusApproved,
	"aprobado":   StatusApproved,
	"rejected":   StatusRejected,
	"rechazada":  StatusRejected,
	"rechazado":  StatusRejected,
	"completed":  StatusCompleted,
	"completada": StatusCompleted,
	"completa":   StatusCompleted,
	"completado": StatusCompleted,
}

// ParseStatus maps any stored spelling of a status (English or Spanish, any
// casing, the legacy "Completa") onto the closed set. An empty value is
// pending.
func ParseStatus(raw string) (Status, error) {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown appointment status %q", raw)
}

// Normalize is ParseStatus for stream ingestion: unknown values pass through
// lower-cased so they never match a watched transition.
func Normalize(raw string) string {
	if s, err := ParseStatus(raw); err == nil {
		return string(s)
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}
