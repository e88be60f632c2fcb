package pdl

import (
	"fmt"
	"strings"
)

// Error classes reported by Validate. They share their spelling with the
// failClass values returned to API callers.
const (
	ClassMissingRequired = "pdl_missing_required"
	ClassVocabError      = "pdl_vocab_error"
)

var allowedVocabulary = map[string]struct{}{
	"executionId":     {},
	"failClass":       {},
	"userSafeMessage": {},
	"feedback":        {},
	"rateLimit":       {},
	"budgetCap":       {},
	"csrf":            {},
	"session":         {},
	"logging":         {},
	"route":           {},
	"response":        {},
	"constraint":      {},
	"output":          {},
	"compile":         {},
	"generate":        {},
	"check":           {},
	"validate":        {},
	"module":          {},
	"security":        {},
	"ops":             {},
}

// RequiredTokens must each appear at least once in a document, checked in
// this order.
var RequiredTokens = []string{"executionId", "failClass", "feedback"}

// SemanticError is a validation failure. Line and Token are set for
// vocabulary errors; Token alone for a missing required key.
type SemanticError struct {
	Class   string
	Message string
	Line    int
	Token   string
}

func (e *SemanticError) Error() string {
	return e.Message
}

// VocabularyToken returns the part of key before the first dot.
func VocabularyToken(key string) string {
	token, _, _ := strings.Cut(key, ".")
	return token
}

// IsVocabulary reports whether token is in the allowed vocabulary.
func IsVocabulary(token string) bool {
	_, ok := allowedVocabulary[token]
	return ok
}

// Validate checks parsed lines in three passes: at least one Module line,
// then vocabulary per line, then required tokens. Only the first failure is
// reported.
func Validate(lines []SourceLine) error {
	modules := 0
	for _, line := range lines {
		if line.Command == CommandModule {
			modules++
		}
	}
	if modules == 0 {
		return &SemanticError{Class: ClassMissingRequired, Message: "At least one Module line is required."}
	}

	seen := make(map[string]bool, len(RequiredTokens))
	for _, line := range lines {
		token := VocabularyToken(line.Key)
		if !IsVocabulary(token) {
			return &SemanticError{
				Class:   ClassVocabError,
				Message: fmt.Sprintf("Unknown vocabulary '%s' at line %d.", token, line.LineNumber),
				Line:    line.LineNumber,
				Token:   token,
			}
		}
		seen[token] = true
	}

	for _, required := range RequiredTokens {
		if !seen[required] {
			return &SemanticError{
				Class:   ClassMissingRequired,
				Message: fmt.Sprintf("Required key '%s' is missing.", required),
				Token:   required,
			}
		}
	}
	return nil
}
