package execution

import (
	"errors"
	"net/http"

	"plato/pkg/pdl"
)

// FailClass classifies every response. The set is closed.
type FailClass string

const (
	OK                 FailClass = "ok"
	PDLSyntaxError     FailClass = "pdl_syntax_error"
	PDLVocabError      FailClass = pdl.ClassVocabError
	PDLMissingRequired FailClass = pdl.ClassMissingRequired
	InvalidRequest     FailClass = "invalid_request"
	RateLimited        FailClass = "rate_limited"
	BudgetExceeded     FailClass = "budget_exceeded"
	DBError            FailClass = "db_error"
	Unknown            FailClass = "unknown"
)

var failClasses = []FailClass{
	OK, PDLSyntaxError, PDLVocabError, PDLMissingRequired,
	InvalidRequest, RateLimited, BudgetExceeded, DBError, Unknown,
}

// User-safe messages. Internal error text never reaches a caller.
const (
	MsgRateLimited    = "Request rate exceeded. Please try again later."
	MsgBudgetExceeded = "Daily budget cap reached. Please retry tomorrow."
	MsgCSRFMismatch   = "Security token mismatch. Refresh and retry."
	MsgInvalidRequest = "Request payload is invalid."
	MsgNotFound       = "Compile result not found."
	MsgDBWrite        = "Database write failed."
	MsgDBRead         = "Database read failed."
	MsgUnknown        = "Unexpected error."
)

// FailClasses returns the closed set in declaration order.
func FailClasses() []FailClass {
	return append([]FailClass(nil), failClasses...)
}

func (f FailClass) Valid() bool {
	for _, c := range failClasses {
		if c == f {
			return true
		}
	}
	return false
}

// HTTPStatus maps a class onto the response status code.
func (f FailClass) HTTPStatus() int {
	switch f {
	case OK:
		return http.StatusOK
	case PDLSyntaxError, PDLVocabError, PDLMissingRequired, InvalidRequest:
		return http.StatusBadRequest
	case RateLimited, BudgetExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// FromPDL maps a Parse or Validate error to its class and user-safe
// message. Any other error is Unknown.
func FromPDL(err error) (FailClass, string) {
	var syntaxErr *pdl.SyntaxError
	if errors.As(err, &syntaxErr) {
		return PDLSyntaxError, syntaxErr.Message
	}
	var semanticErr *pdl.SemanticError
	if errors.As(err, &semanticErr) {
		if class := FailClass(semanticErr.Class); class.Valid() {
			return class, semanticErr.Message
		}
	}
	return Unknown, MsgUnknown
}
