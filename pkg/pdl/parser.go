package pdl

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Command is the leading token of a PDL line.
type Command string

const (
	CommandDeclare Command = "Declare"
	CommandRule    Command = "Rule"
	CommandCheck   Command = "Check"
	CommandFail    Command = "Fail"
	CommandLog     Command = "Log"
	CommandModule  Command = "Module"
)

var allowedCommands = map[Command]struct{}{
	CommandDeclare: {},
	CommandRule:    {},
	CommandCheck:   {},
	CommandFail:    {},
	CommandLog:     {},
	CommandModule:  {},
}

// SourceLine is one non-blank line of a PDL document.
type SourceLine struct {
	LineNumber int     `json:"lineNumber" yaml:"lineNumber"`
	Command    Command `json:"command" yaml:"command"`
	Key        string  `json:"key" yaml:"key"`
	Value      string  `json:"value" yaml:"value"`
}

// SyntaxErrorKind classifies parser failures.
type SyntaxErrorKind string

const (
	IndentationError        SyntaxErrorKind = "IndentationError"
	FormatError             SyntaxErrorKind = "FormatError"
	UnsupportedCommandError SyntaxErrorKind = "UnsupportedCommandError"
)

// SyntaxError reports the first line that does not follow Command:key:value.
type SyntaxError struct {
	Line    int
	Kind    SyntaxErrorKind
	Message string
}

func (e *SyntaxError) Error() string {
	return e.Message
}

// Parse splits source into typed lines. Blank lines are skipped but still
// count toward line numbers. Scanning stops at the first error.
func Parse(source string) ([]SourceLine, error) {
	raw := strings.Split(source, "\n")
	out := make([]SourceLine, 0, len(raw))
	for i, original := range raw {
		lineNo := i + 1
		original = strings.TrimSuffix(original, "\r")
		if strings.TrimSpace(original) == "" {
			continue
		}
		if first, _ := utf8.DecodeRuneInString(original); unicode.IsSpace(first) {
			return nil, &SyntaxError{
				Line:    lineNo,
				Kind:    IndentationError,
				Message: fmt.Sprintf("Line %d: indentation is not allowed.", lineNo),
			}
		}
		line, err := splitLine(strings.TrimSpace(original), lineNo)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

// splitLine cuts a trimmed line at its first two colons. The command token is
// checked against the whitelist only after the shape is known to be valid.
func splitLine(line string, lineNo int) (SourceLine, error) {
	cmdRaw, rest, ok := strings.Cut(line, ":")
	if !ok {
		return SourceLine{}, formatError(lineNo)
	}
	keyRaw, valueRaw, ok := strings.Cut(rest, ":")
	if !ok {
		return SourceLine{}, formatError(lineNo)
	}
	cmd := strings.TrimRightFunc(cmdRaw, unicode.IsSpace)
	key := strings.TrimSpace(keyRaw)
	value := strings.TrimSpace(valueRaw)
	// A whitespace-only key is well formed and left for the validator to
	// reject as unknown vocabulary.
	if cmd == "" || keyRaw == "" || value == "" {
		return SourceLine{}, formatError(lineNo)
	}
	if _, ok := allowedCommands[Command(cmd)]; !ok {
		return SourceLine{}, &SyntaxError{
			Line:    lineNo,
			Kind:    UnsupportedCommandError,
			Message: fmt.Sprintf("Line %d: unsupported command.", lineNo),
		}
	}
	return SourceLine{LineNumber: lineNo, Command: Command(cmd), Key: key, Value: value}, nil
}

func formatError(lineNo int) *SyntaxError {
	return &SyntaxError{
		Line:    lineNo,
		Kind:    FormatError,
		Message: fmt.Sprintf("Line %d: expected 'Command:key:value' format.", lineNo),
	}
}
