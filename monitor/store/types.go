package store

import (
	"time"
)

// Status is the externally observed state of a monitored code.
type Status string

const (
	StatusPending     Status = "pending"
	StatusNotFound    Status = "not_found"
	StatusProceedings Status = "proceedings"
	StatusGranted     Status = "granted"
	StatusRejected    Status = "rejected"
	StatusQueryFailed Status = "query_failed"
	StatusUnknown     Status = "unknown"
)

// Terminal reports whether no further polling should happen for this status.
func (s Status) Terminal() bool {
	return s == StatusGranted || s == StatusRejected
}

// Failure reports whether the status represents a failed probe rather than an
// upstream observation.
func (s Status) Failure() bool {
	return s == StatusQueryFailed
}

// Origin identifies which document owns a code.
type Origin string

const (
	OriginAdmin Origin = "admin"
	OriginUser  Origin = "user"
)

// Notification channels mirrored from the declared spec.
const (
	ChannelEmail = "email"
	ChannelNone  = "none"
)

// CodeItem is the persisted per-code state.
type CodeItem struct {
	Code        string     `json:"code"`
	Status      Status     `json:"status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	LastChanged *time.Time `json:"last_changed,omitempty"`
	// NextCheck is absent for terminal statuses.
	NextCheck   *time.Time `json:"next_check,omitempty"`
	FreqMinutes int        `json:"freq_minutes"`
	FirstCheck  bool       `json:"first_check"`
	Channel     string     `json:"channel"`
	Target      string     `json:"target,omitempty"`
	Note        string     `json:"note,omitempty"`

	// UsesDefaultFreq distinguishes "inherits the global default" from an
	// explicit per-code frequency, so default changes can be re-applied.
	UsesDefaultFreq bool `json:"uses_default_freq,omitempty"`

	// User-origin metadata.
	AddedAt *time.Time `json:"added_at,omitempty"`
	AddedBy string     `json:"added_by,omitempty"`
}

// Clone returns a deep copy; pointer timestamps are duplicated so callers can
// mutate the copy freely.
func (c *CodeItem) Clone() *CodeItem {
	if c == nil {
		return nil
	}
	out := *c
	out.LastChecked = cloneTime(c.LastChecked)
	out.LastChanged = cloneTime(c.LastChanged)
	out.NextCheck = cloneTime(c.NextCheck)
	out.AddedAt = cloneTime(c.AddedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Session authenticates a user to the management endpoints.
type Session struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	LastUsed  time.Time `json:"last_used"`
}

// VerificationCode is a short-lived 6-digit management or login code.
type VerificationCode struct {
	Code    string    `json:"code"`
	Expires time.Time `json:"expires"`
	Type    string    `json:"type"`
}

// PendingAddition is an add-code request awaiting email verification.
type PendingAddition struct {
	Code    string    `json:"code"`
	Email   string    `json:"email"`
	Expires time.Time `json:"expires"`
}

// StatusDoc is the admin-owned document (status.json).
type StatusDoc struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Items       map[string]*CodeItem `json:"items"`
}

// UsersDoc is the user-owned document (users.json).
type UsersDoc struct {
	GeneratedAt       time.Time                    `json:"generated_at"`
	Codes             map[string]*CodeItem         `json:"codes"`
	Sessions          map[string]*Session          `json:"sessions"`
	VerificationCodes map[string]*VerificationCode `json:"verification_codes"`
	PendingAdditions  map[string]*PendingAddition  `json:"pending_additions"`
}

// NewStatusDoc returns an empty admin document.
func NewStatusDoc() *StatusDoc {
	return &StatusDoc{Items: make(map[string]*CodeItem)}
}

// NewUsersDoc returns an empty users document with all maps allocated.
func NewUsersDoc() *UsersDoc {
	return &UsersDoc{
		Codes:             make(map[string]*CodeItem),
		Sessions:          make(map[string]*Session),
		VerificationCodes: make(map[string]*VerificationCode),
		PendingAdditions:  make(map[string]*PendingAddition),
	}
}

func (d *UsersDoc) ensureMaps() {
	if d.Codes == nil {
		d.Codes = make(map[string]*CodeItem)
	}
	if d.Sessions == nil {
		d.Sessions = make(map[string]*Session)
	}
	if d.VerificationCodes == nil {
		d.VerificationCodes = make(map[string]*VerificationCode)
	}
	if d.PendingAdditions == nil {
		d.PendingAdditions = make(map[string]*PendingAddition)
	}
}
