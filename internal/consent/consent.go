// Package consent tracks per-user, per-bank account access consents and
// their lifecycle. It replaces the ambient cookie-stored consent ids of the
// original dashboard with an explicit repository keyed by (user, bank).
package consent

import (
	"errors"
	"strings"
	"time"
)

// Status is a consent lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
)

// ParseStatus maps a wire status string onto a Status. Unknown values are
// treated as pending, the safest interpretation for polling.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(s)) {
	case StatusApproved:
		return StatusApproved
	case StatusRejected:
		return StatusRejected
	case StatusRevoked:
		return StatusRevoked
	}
	return StatusPending
}

// Terminal reports whether polling should stop at this status. Approved is
// terminal for polling even though an external revocation may still follow.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusRevoked
}

// CanTransition reports whether the lifecycle permits moving from s to next.
// Valid moves: pending -> approved|rejected, approved -> revoked.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected
	case StatusApproved:
		return next == StatusRevoked
	}
	return false
}

// ErrInvalidTransition is returned when a status update violates the
// lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid consent status transition")

// ErrNotFound is returned when no consent exists for a (user, bank) pair.
var ErrNotFound = errors.New("consent not found")

// Record is one stored consent.
type Record struct {
	ConsentID    string     `json:"consent_id"`
	BankCode     string     `json:"bank_code"`
	Status       Status     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the consent authorizes data access at the given time.
func (r Record) Active(now time.Time) bool {
	if r.Status != StatusApproved {
		return false
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// Store is a repository of consents keyed by (user, bank). One record per
// pair: storing a new consent supersedes the previous one.
type Store interface {
	// Put stores rec for the user, replacing any prior consent for the same
	// bank. The superseded record, if any, is returned with its status set
	// to revoked.
	Put(userID string, rec Record) (superseded *Record)
	// Get returns the stored consent for (user, bank) regardless of status.
	Get(userID, bankCode string) (Record, bool)
	// Active returns the consent for (user, bank) only when it currently
	// authorizes access.
	Active(userID, bankCode string) (Record, bool)
	// List returns all of the user's consents, newest first.
	List(userID string) []Record
	// UpdateStatus applies a lifecycle transition to the stored consent.
	UpdateStatus(userID, bankCode string, status Status) error
}
