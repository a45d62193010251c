// Package models defines the core data structures for Secretaria.
//
// It includes the per-phone registration record, inbound message events,
// and the messaging types shared across modules.
package models

import (
	"errors"
	"strings"
)

// RegistrationStatus represents the lifecycle state of a registration record.
type RegistrationStatus string

const (
	// RegistrationPending indicates required fields are still outstanding.
	RegistrationPending RegistrationStatus = "pending"
	// RegistrationComplete indicates every required field has been answered.
	RegistrationComplete RegistrationStatus = "complete"
	// RegistrationCreated indicates a downstream patient record was created.
	RegistrationCreated RegistrationStatus = "created"
)

// FieldID identifies one of the fixed registration fields.
type FieldID string

const (
	FieldName    FieldID = "name"
	FieldDOB     FieldID = "dob"
	FieldCPF     FieldID = "cpf"
	FieldAddress FieldID = "address"
	FieldConsent FieldID = "consent"
)

// RequiredFields returns the fixed field schema in question order.
func RequiredFields() []FieldID {
	return []FieldID{FieldName, FieldDOB, FieldCPF, FieldAddress, FieldConsent}
}

// SchedulingStatus represents the appointment-scheduling state of a record.
type SchedulingStatus string

const (
	SchedulingIdle         SchedulingStatus = "idle"
	SchedulingAwaitingTime SchedulingStatus = "awaiting_time"
	SchedulingRequested    SchedulingStatus = "requested"
	SchedulingBooked       SchedulingStatus = "booked"
	SchedulingFailed       SchedulingStatus = "failed"
)

// HistoryEntry is one inbound message recorded on a registration.
type HistoryEntry struct {
	Time int64  `json:"ts"`
	Text string `json:"text"`
}

// OutboundMarker records the most recent outbound message of any kind.
type OutboundMarker struct {
	Time int64  `json:"ts"`
	Text string `json:"text"`
}

// Payment holds the payment-provider state for a registration.
type Payment struct {
	Provider string `json:"provider"`
	URL      string `json:"url"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
}

// Scheduling holds the appointment-scheduling state for a registration.
type Scheduling struct {
	Status      SchedulingStatus `json:"status"`
	Requested   string           `json:"requested,omitempty"`
	RequestedAt int64            `json:"requested_at,omitempty"`
	Result      string           `json:"result,omitempty"`
}

// RegistrationRecord is the durable per-phone registration state. Phone is the
// primary key and must already be canonical (digits only) at every boundary.
type RegistrationRecord struct {
	Phone            string             `json:"phone"`
	Status           RegistrationStatus `json:"status"`
	InitiatedBy      string             `json:"initiated_by"`
	RequiredFields   []FieldID          `json:"questions"`
	Answers          map[FieldID]string `json:"answers"`
	History          []HistoryEntry     `json:"history"`
	LastSentQuestion string             `json:"last_sent_question,omitempty"`
	LastSentAt       int64              `json:"last_sent_at,omitempty"`
	LastOutbound     *OutboundMarker    `json:"last_outbound,omitempty"`
	GreetingSent     bool               `json:"greeting_sent"`
	GreetingSentAt   int64              `json:"greeting_sent_at,omitempty"`
	Payment          *Payment           `json:"payment,omitempty"`
	Scheduling       Scheduling         `json:"scheduling"`
	CreatedAt        int64              `json:"created_at"`
	CompletedAt      int64              `json:"completed_at,omitempty"`
	CreatedInfo      map[string]string  `json:"created_info,omitempty"`
}

// NewRegistrationRecord creates a fresh pending record for a phone.
func NewRegistrationRecord(phone, initiatedBy string, now int64) *RegistrationRecord {
	return &RegistrationRecord{
		Phone:          phone,
		Status:         RegistrationPending,
		InitiatedBy:    initiatedBy,
		RequiredFields: RequiredFields(),
		Answers:        make(map[FieldID]string),
		Scheduling:     Scheduling{Status: SchedulingIdle},
		CreatedAt:      now,
	}
}

// Answered reports whether the field has a non-empty answer.
func (r *RegistrationRecord) Answered(f FieldID) bool {
	v, ok := r.Answers[f]
	return ok && v != ""
}

// NextMissingField returns the first required field without an answer.
func (r *RegistrationRecord) NextMissingField() (FieldID, bool) {
	for _, f := range r.RequiredFields {
		if !r.Answered(f) {
			return f, true
		}
	}
	return "", false
}

// AllAnswered reports whether every required field has an answer.
func (r *RegistrationRecord) AllAnswered() bool {
	_, missing := r.NextMissingField()
	return !missing
}

// AppendHistory appends an inbound entry unless it duplicates the last one.
// Returns true if the entry was appended.
func (r *RegistrationRecord) AppendHistory(ts int64, text string) bool {
	if last := r.LastHistoryEntry(); last != nil && last.Text == text {
		return false
	}
	r.History = append(r.History, HistoryEntry{Time: ts, Text: text})
	return true
}

// LastHistoryEntry returns the most recent history entry, or nil.
func (r *RegistrationRecord) LastHistoryEntry() *HistoryEntry {
	if len(r.History) == 0 {
		return nil
	}
	return &r.History[len(r.History)-1]
}

// MergeAnswers merges non-empty values into the answers map without erasing
// existing answers. Returns the number of fields applied.
func (r *RegistrationRecord) MergeAnswers(values map[FieldID]string) int {
	if r.Answers == nil {
		r.Answers = make(map[FieldID]string)
	}
	applied := 0
	for f, v := range values {
		if v == "" {
			continue
		}
		r.Answers[f] = v
		applied++
	}
	return applied
}

// RecomputeStatus flips the record between pending and complete based on the
// answered fields. The created status is terminal and never downgraded.
func (r *RegistrationRecord) RecomputeStatus(now int64) {
	if r.Status == RegistrationCreated {
		return
	}
	if r.AllAnswered() {
		if r.Status != RegistrationComplete {
			r.CompletedAt = now
		}
		r.Status = RegistrationComplete
		return
	}
	r.Status = RegistrationPending
}

// ConsentAffirmative reports whether a stored consent value counts as an
// affirmative answer. Accepted tokens: true, sim, yes, 1 (case-insensitive).
func ConsentAffirmative(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sim", "yes", "1", "true":
		return true
	}
	return false
}

// IgnoreReason explains why the guard rejected an inbound event.
type IgnoreReason string

const (
	IgnoreNonChatEvent      IgnoreReason = "non_chat_event"
	IgnoreFromMe            IgnoreReason = "from_me"
	IgnoreBlockedPhone      IgnoreReason = "blocked_phone"
	IgnoreEchoMessageID     IgnoreReason = "echo_msgid"
	IgnoreEchoMatchOutbound IgnoreReason = "echo_match_outbound"
	IgnoreDuplicateWindow   IgnoreReason = "duplicate_window"
)

// InboundMessage is a normalized inbound webhook event.
type InboundMessage struct {
	Phone       string `json:"phone"`
	Text        string `json:"text"`
	MessageID   string `json:"message_id,omitempty"`
	FromMe      bool   `json:"from_me,omitempty"`
	StatusEvent bool   `json:"status_event,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// ErrInsufficientData signals that no known payload shape yielded a phone and
// a message text.
var ErrInsufficientData = errors.New("insufficient data: missing phone or text")

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is a delivery/read receipt event from a transport.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response is an incoming message event from a transport.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIResponse is the JSON envelope returned by every HTTP handler.
type APIResponse struct {
	OK        bool                `json:"ok"`
	Ignored   IgnoreReason        `json:"ignored,omitempty"`
	Record    *RegistrationRecord `json:"record,omitempty"`
	Extracted bool                `json:"extracted,omitempty"`
	Data      any                 `json:"data,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Error creates an error API response.
func Error(msg string) APIResponse {
	return APIResponse{Error: msg}
}

// Success creates a successful API response carrying data.
func Success(data any) APIResponse {
	return APIResponse{OK: true, Data: data}
}

// IgnoredResponse creates the response for a guard-rejected inbound event.
func IgnoredResponse(reason IgnoreReason) APIResponse {
	return APIResponse{OK: true, Ignored: reason}
}
