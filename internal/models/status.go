package models

import (
	"strings"
)

// StatusKind enumerates the enrollment states.
type StatusKind int

const (
	KindNotStarted StatusKind = iota
	KindAwaitingAllData
	KindValidatingData
	KindCollecting
	KindAwaitingIneFront
	KindAwaitingIneBack
	KindAwaitingPaymentMethod
	KindPendingImplementation
	KindAwaitingPaymentProof
	KindAwaitingCajaSchedule
	KindCompleted
)

const collectingPrefix = "collecting_"

var kindTags = map[StatusKind]string{
	KindNotStarted:            "not_started",
	KindAwaitingAllData:       "awaiting_all_data",
	KindValidatingData:        "validating_data",
	KindAwaitingIneFront:      "awaiting_ine_front",
	KindAwaitingIneBack:       "awaiting_ine_back",
	KindAwaitingPaymentMethod: "awaiting_payment_method",
	KindPendingImplementation: "pending_implementation",
	KindAwaitingPaymentProof:  "awaiting_payment_proof",
	KindAwaitingCajaSchedule:  "awaiting_caja_schedule",
	KindCompleted:             "completed",
}

var tagKinds = func() map[string]StatusKind {
	m := make(map[string]StatusKind, len(kindTags))
	for k, tag := range kindTags {
		m[tag] = k
	}
	return m
}()

// Status is the enrollment state of a profile. Field is only meaningful when
// Kind is KindCollecting, where it names the field being asked for.
type Status struct {
	Kind  StatusKind
	Field CanonicalField
}

var (
	StatusNotStarted            = Status{Kind: KindNotStarted}
	StatusAwaitingAllData       = Status{Kind: KindAwaitingAllData}
	StatusValidatingData        = Status{Kind: KindValidatingData}
	StatusAwaitingIneFront      = Status{Kind: KindAwaitingIneFront}
	StatusAwaitingIneBack       = Status{Kind: KindAwaitingIneBack}
	StatusAwaitingPaymentMethod = Status{Kind: KindAwaitingPaymentMethod}
	StatusPendingImplementation = Status{Kind: KindPendingImplementation}
	StatusAwaitingPaymentProof  = Status{Kind: KindAwaitingPaymentProof}
	StatusAwaitingCajaSchedule  = Status{Kind: KindAwaitingCajaSchedule}
	StatusCompleted             = Status{Kind: KindCompleted}
)

// Collecting returns the status that waits for a single missing field.
func Collecting(field CanonicalField) Status {
	return Status{Kind: KindCollecting, Field: field}
}

// ParseStatus converts a stored status tag into a Status.
// Unknown tags, and collecting tags naming a non-canonical field, map to not_started.
func ParseStatus(tag string) Status {
	tag = strings.TrimSpace(tag)
	if field, ok := strings.CutPrefix(tag, collectingPrefix); ok {
		f := CanonicalField(field)
		if f.IsValid() {
			return Collecting(f)
		}
		return StatusNotStarted
	}
	if kind, ok := tagKinds[tag]; ok {
		return Status{Kind: kind}
	}
	return StatusNotStarted
}

// String returns the stored tag for s.
func (s Status) String() string {
	if s.Kind == KindCollecting {
		return collectingPrefix + string(s.Field)
	}
	if tag, ok := kindTags[s.Kind]; ok {
		return tag
	}
	return kindTags[KindNotStarted]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}

// Rank orders statuses along the enrollment flow. Every collecting status shares a
// rank, as do the two payment sub-flows that lead directly to completion.
func (s Status) Rank() int {
	switch s.Kind {
	case KindNotStarted:
		return 0
	case KindAwaitingAllData:
		return 1
	case KindValidatingData:
		return 2
	case KindCollecting:
		return 3
	case KindAwaitingIneFront:
		return 4
	case KindAwaitingIneBack:
		return 5
	case KindAwaitingPaymentMethod:
		return 6
	case KindPendingImplementation:
		return 7
	case KindAwaitingPaymentProof, KindAwaitingCajaSchedule:
		return 8
	case KindCompleted:
		return 9
	}
	return 0
}

// InEnrollment reports whether a profile with this status is inside the
// enrollment flow and should be routed to the state machine.
func (s Status) InEnrollment() bool {
	return s.Kind != KindNotStarted && s.Kind != KindCompleted
}
