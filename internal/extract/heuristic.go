package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// HeuristicExtractor recognizes fields with deterministic regex rules. It
// never returns an error, which makes it a safe terminal fallback.
type HeuristicExtractor struct{}

// NewHeuristicExtractor creates the regex-based extractor.
func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

var (
	cpfPattern     = regexp.MustCompile(`\d{3}\.?\d{3}\.?\d{3}-?\d{2}`)
	datePattern    = regexp.MustCompile(`(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2,4})`)
	addressPattern = regexp.MustCompile(`(?i)\b(?:rua|av\.?|avenida|travessa|alameda|rodovia|estrada|pra[çc]a|largo)\b[\s.,].+`)
	namePattern    = regexp.MustCompile(`(?i)(?:meu nome [ée]|me chamo|sou [oa])\s+([\p{L}' ]{2,60})`)
	// Capitalized words optionally joined by Portuguese name particles.
	plainNameOnly  = regexp.MustCompile(`^[\p{Lu}][\p{L}']*(?:\s+(?:d[aeo]s?|e|[\p{Lu}][\p{L}']*))+$`)

	affirmativeTokens = map[string]bool{
		"sim": true, "s": true, "claro": true, "confirmo": true,
		"aceito": true, "quero": true, "ok": true, "yes": true, "1": true,
	}
	negativeTokens = map[string]bool{
		"não": true, "nao": true, "n": true, "no": true,
		"recuso": true, "não quero": true, "nao quero": true,
	}
	smalltalkPhrases = []string{
		"oi", "olá", "ola", "bom dia", "boa tarde", "boa noite",
		"tudo bem", "obrigado", "obrigada", "oi tudo bem",
	}
)

func (h *HeuristicExtractor) Extract(_ context.Context, text string) (*Fields, error) {
	fields := &Fields{}
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(strings.Join(strings.Fields(trimmed), " "))

	if cpf := findValidCPF(trimmed); cpf != "" {
		fields.CPF = &cpf
	}
	if dob := findDate(trimmed); dob != "" {
		fields.DOB = &dob
	}
	if m := addressPattern.FindString(trimmed); m != "" {
		addr := strings.TrimSpace(m)
		fields.Address = &addr
	}
	if consent, ok := parseConsent(lower); ok {
		fields.Consent = &consent
	}

	if name := findName(trimmed, lower, fields); name != "" {
		fields.Name = &name
	}
	return fields, nil
}

// findValidCPF returns the first CPF-shaped substring with a valid checksum,
// reduced to its 11 digits.
func findValidCPF(text string) string {
	for _, m := range cpfPattern.FindAllString(text, -1) {
		digits := onlyDigits(m)
		if ValidCPF(digits) {
			return digits
		}
	}
	return ""
}

// ValidCPF validates a Brazilian CPF by its two check digits. Eleven repeated
// digits are rejected even though they satisfy the checksum.
func ValidCPF(digits string) bool {
	if len(digits) != 11 {
		return false
	}
	allSame := true
	for i := 1; i < 11; i++ {
		if digits[i] != digits[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return false
	}
	for _, pos := range []int{9, 10} {
		sum := 0
		for i := 0; i < pos; i++ {
			sum += int(digits[i]-'0') * (pos + 1 - i)
		}
		check := (sum * 10) % 11 % 10
		if check != int(digits[pos]-'0') {
			return false
		}
	}
	return true
}

// findDate returns the first plausible date normalized to dd/mm/yyyy.
func findDate(text string) string {
	for _, m := range datePattern.FindAllStringSubmatch(text, -1) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if year < 100 {
			if year > 30 {
				year += 1900
			} else {
				year += 2000
			}
		}
		if day < 1 || day > 31 || month < 1 || month > 12 || year < 1900 || year > 2100 {
			continue
		}
		return fmt.Sprintf("%02d/%02d/%04d", day, month, year)
	}
	return ""
}

// parseConsent recognizes whole-message consent tokens only; a "sim" buried
// in a longer sentence is not a consent answer.
func parseConsent(lower string) (bool, bool) {
	if affirmativeTokens[lower] {
		return true, true
	}
	if negativeTokens[lower] {
		return false, true
	}
	return false, false
}

// findName recognizes a name from an introduction phrase, or from a message
// that is nothing but a plausible personal name.
func findName(trimmed, lower string, fields *Fields) string {
	if m := namePattern.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	// A plain name has letters only and at least two words, and the message
	// carried no other recognized field and no smalltalk.
	if fields.CPF != nil || fields.DOB != nil || fields.Address != nil || fields.Consent != nil {
		return ""
	}
	for _, phrase := range smalltalkPhrases {
		if lower == phrase {
			return ""
		}
	}
	if plainNameOnly.MatchString(trimmed) && len(strings.Fields(trimmed)) >= 2 {
		return trimmed
	}
	return ""
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
