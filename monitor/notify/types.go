// Package notify implements the outbound notification pipeline: a bounded,
// rate-capped queue for status-change mail and an immediate path for
// security-sensitive mail, both sharing one pooled SMTP transport.
package notify

import (
	"time"

	"github.com/oamwatch/oamwatch/monitor/store"
)

// Kind tags the notification variant; the pipeline branches once at enqueue.
type Kind string

const (
	KindFirstRecord      Kind = "first_record"
	KindStatusChange     Kind = "status_change"
	KindVerificationLink Kind = "verification_link"
	KindManagementCode   Kind = "management_code"
)

// Notification is one pending outbound message.
type Notification struct {
	Kind      Kind
	Code      string
	OldStatus store.Status
	NewStatus store.Status
	Target    string
	Note      string

	// VerifyURL is set for verification-link mail.
	VerifyURL string
	// ManageCode is set for management-code mail.
	ManageCode string

	// NotBefore delays delivery; used for the first-check email grace.
	NotBefore time.Time

	// CorrelationID ties the request to the transport response in logs.
	CorrelationID string
}

// Decide applies the notification decision table to a fresh observation.
// Query failures never notify; a first check that finds nothing is silent.
func Decide(old, new store.Status, firstCheck bool) (Kind, bool) {
	if new.Failure() {
		return "", false
	}
	if firstCheck {
		if new == store.StatusNotFound {
			return "", false
		}
		return KindFirstRecord, true
	}
	if old != new {
		return KindStatusChange, true
	}
	return "", false
}
