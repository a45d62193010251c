// Package flow implements the registration dialogue engine: question
// sequencing, greeting generation, answer application, and the payment and
// scheduling nudges that follow a completed registration.
package flow

import "github.com/saudezap/secretaria/internal/models"

// questionTexts maps each required field to its fixed prompt.
var questionTexts = map[models.FieldID]string{
	models.FieldName:    "Qual seu nome completo?",
	models.FieldDOB:     "Qual sua data de nascimento (dd/mm/aaaa)?",
	models.FieldCPF:     "Qual seu CPF?",
	models.FieldAddress: "Qual seu endereço?",
	models.FieldConsent: "Você confirma que deseja se cadastrar? (sim/não)",
}

// QuestionFor returns the fixed prompt text for a field.
func QuestionFor(field models.FieldID) string {
	return questionTexts[field]
}

// IsQuestionText reports whether text is exactly one of the fixed prompts.
// Used to avoid consuming an echoed prompt as a field answer.
func IsQuestionText(text string) bool {
	for _, q := range questionTexts {
		if q == text {
			return true
		}
	}
	return false
}
