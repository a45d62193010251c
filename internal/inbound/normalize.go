// Package inbound normalizes raw webhook payloads into inbound message events
// and guards the dialogue pipeline against echoes, duplicates, and provider
// status noise.
package inbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/saudezap/secretaria/internal/models"
)

// DefaultCountryCode is prefixed to national numbers during canonicalization.
const DefaultCountryCode = "55"

// CanonicalizePhone reduces a contact identifier to digits and applies the
// fixed country-code policy. Identifiers shorter than 8 or longer than 15
// digits are rejected.
func CanonicalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number %q: expected 8-15 digits, got %d", raw, len(digits))
	}
	if len(digits) <= 11 {
		digits = DefaultCountryCode + digits
	}
	return digits, nil
}

// NormalizeText collapses whitespace and case-folds a message text so that
// echo and duplicate comparisons are insensitive to formatting noise.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

var (
	phoneAliases = []string{"phone", "from", "sender", "author", "chatId"}
	textAliases  = []string{"text", "message", "body", "content"}
	idAliases    = []string{"messageId", "message_id", "id"}

	statusEventTypes = map[string]bool{
		"status": true, "ack": true, "delivered": true, "read": true, "sent": true,
	}
	chatMessageTypes = map[string]bool{
		"chat": true, "text": true, "conversation": true, "message": true, "receivedcallback": true,
	}
)

// shapeMatcher attempts to extract phone, text, and message id from one known
// payload shape. The first matcher that succeeds wins.
type shapeMatcher func(payload map[string]any) (phone, text, messageID string, ok bool)

var shapeMatchers = []shapeMatcher{
	matchNestedMessage,
	matchFlatFields,
	matchNestedData,
}

// Normalize extracts a canonical inbound message from an arbitrary webhook
// payload. It returns models.ErrInsufficientData when no known shape yields
// both a phone and a text.
func Normalize(payload map[string]any) (*models.InboundMessage, error) {
	statusEvent := isStatusEvent(payload)
	fromMe := isFromMe(payload)
	ts := extractTimestamp(payload)

	for _, match := range shapeMatchers {
		rawPhone, text, messageID, ok := match(payload)
		if !ok {
			continue
		}
		phone, err := CanonicalizePhone(rawPhone)
		if err != nil {
			return nil, fmt.Errorf("failed to canonicalize phone: %w", err)
		}
		return &models.InboundMessage{
			Phone:       phone,
			Text:        strings.TrimSpace(text),
			MessageID:   messageID,
			FromMe:      fromMe,
			StatusEvent: statusEvent,
			Timestamp:   ts,
		}, nil
	}

	// Status-only payloads carry no text; report them so the caller can
	// reject the event without treating it as malformed.
	if statusEvent {
		phone := firstString(payload, phoneAliases)
		if canonical, err := CanonicalizePhone(phone); err == nil {
			return &models.InboundMessage{Phone: canonical, StatusEvent: true, Timestamp: ts}, nil
		}
		return &models.InboundMessage{StatusEvent: true, Timestamp: ts}, nil
	}

	return nil, models.ErrInsufficientData
}

// matchNestedMessage handles payloads with a nested message object:
// {"message": {"from": ..., "text": ...}}.
func matchNestedMessage(payload map[string]any) (string, string, string, bool) {
	msg, ok := payload["message"].(map[string]any)
	if !ok {
		return "", "", "", false
	}
	phone := firstString(msg, []string{"from", "sender", "author", "phone"})
	if phone == "" {
		phone = firstString(payload, phoneAliases)
	}
	text := firstString(msg, []string{"text", "body", "content"})
	if phone == "" || text == "" {
		return "", "", "", false
	}
	id := firstString(msg, idAliases)
	if id == "" {
		id = firstString(payload, idAliases)
	}
	return phone, text, id, true
}

// matchFlatFields handles flat payloads: {"from": ..., "text": ...}.
func matchFlatFields(payload map[string]any) (string, string, string, bool) {
	phone := firstString(payload, phoneAliases)
	text := firstString(payload, textAliases)
	if phone == "" || text == "" {
		return "", "", "", false
	}
	return phone, text, firstString(payload, idAliases), true
}

// matchNestedData handles payloads wrapped in a data object, recursing into
// the remaining shapes: {"data": {...}}.
func matchNestedData(payload map[string]any) (string, string, string, bool) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return "", "", "", false
	}
	for _, match := range []shapeMatcher{matchNestedMessage, matchFlatFields} {
		if phone, text, id, ok := match(data); ok {
			return phone, text, id, true
		}
	}
	return "", "", "", false
}

// isStatusEvent reports whether the payload carries delivery/read/ack
// semantics instead of a chat message.
func isStatusEvent(payload map[string]any) bool {
	if statuses, ok := payload["statuses"].([]any); ok && len(statuses) > 0 {
		return true
	}
	for _, key := range []string{"event", "type"} {
		if v, ok := payload[key].(string); ok && statusEventTypes[strings.ToLower(v)] {
			return true
		}
	}
	if msg, ok := payload["message"].(map[string]any); ok {
		if t, ok := msg["type"].(string); ok && !chatMessageTypes[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// isFromMe reports whether the provider marks the message as sent by the
// bot's own account, checking payload-level, message-level, and nested key
// object flags.
func isFromMe(payload map[string]any) bool {
	if truthyFlag(payload["fromMe"]) || truthyFlag(payload["from_me"]) {
		return true
	}
	if msg, ok := payload["message"].(map[string]any); ok {
		if truthyFlag(msg["fromMe"]) || truthyFlag(msg["from_me"]) {
			return true
		}
		if key, ok := msg["key"].(map[string]any); ok && truthyFlag(key["fromMe"]) {
			return true
		}
	}
	if key, ok := payload["key"].(map[string]any); ok && truthyFlag(key["fromMe"]) {
		return true
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return isFromMe(data)
	}
	return false
}

func truthyFlag(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true") || val == "1"
	case float64:
		return val != 0
	}
	return false
}

// extractTimestamp pulls an event timestamp in unix seconds. Values that look
// like milliseconds are scaled down. Missing timestamps fall back to now.
func extractTimestamp(payload map[string]any) int64 {
	for _, key := range []string{"timestamp", "momment", "ts"} {
		v, ok := payload[key]
		if !ok {
			if msg, mok := payload["message"].(map[string]any); mok {
				v, ok = msg[key]
			}
		}
		if f, fok := v.(float64); ok && fok && f > 0 {
			ts := int64(f)
			if ts > 1e12 {
				ts /= 1000
			}
			return ts
		}
	}
	return time.Now().Unix()
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
