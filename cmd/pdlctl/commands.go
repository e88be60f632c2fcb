package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"plato/pkg/execution"
	"plato/pkg/pdl"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

// readSource loads a document. "-" reads stdin.
func readSource(cmd *cobra.Command, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}

// loadValidated parses and validates the document at path.
func loadValidated(cmd *cobra.Command, path string) ([]pdl.SourceLine, error) {
	src, err := readSource(cmd, path)
	if err != nil {
		return nil, err
	}
	lines, err := pdl.Parse(src)
	if err == nil {
		err = pdl.Validate(lines)
	}
	if err != nil {
		class, msg := execution.FromPDL(err)
		return nil, fmt.Errorf("%s: %s: %s", path, class, msg)
	}
	return lines, nil
}

func newParseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <file>",
		Short: "Split a document into Command:key:value lines without validating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readSource(cmd, args[0])
			if err != nil {
				return err
			}
			lines, err := pdl.Parse(src)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return render(cmd.OutOrStdout(), opts.format, lines)
		},
	}
}

// validationResult is one document's outcome in `pdlctl validate`.
type validationResult struct {
	File      string              `json:"file" yaml:"file"`
	OK        bool                `json:"ok" yaml:"ok"`
	FailClass execution.FailClass `json:"failClass" yaml:"failClass"`
	Message   string              `json:"message,omitempty" yaml:"message,omitempty"`
	Lines     int                 `json:"lines" yaml:"lines"`
}

var errInvalidDocuments = errors.New("invalid documents")

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|glob>...",
		Short: "Validate one or more documents; globs support ** (quote them)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := expandPatterns(args)
			if err != nil {
				return err
			}
			results := make([]validationResult, 0, len(files))
			failed := 0
			for _, file := range files {
				res := validateFile(cmd, file)
				if !res.OK {
					failed++
				}
				results = append(results, res)
			}
			if err := render(cmd.OutOrStdout(), opts.format, results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%w: %d of %d", errInvalidDocuments, failed, len(results))
			}
			return nil
		},
	}
}

func validateFile(cmd *cobra.Command, file string) validationResult {
	res := validationResult{File: file}
	src, err := readSource(cmd, file)
	if err != nil {
		res.FailClass, res.Message = execution.InvalidRequest, err.Error()
		return res
	}
	lines, err := pdl.Parse(src)
	if err == nil {
		err = pdl.Validate(lines)
	}
	if err != nil {
		res.FailClass, res.Message = execution.FromPDL(err)
		return res
	}
	res.OK, res.FailClass, res.Lines = true, execution.OK, len(lines)
	return res
}

// expandPatterns resolves each argument with doublestar. A pattern without
// matches is an error, so a typo never validates zero files.
func expandPatterns(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, pattern := range patterns {
		if pattern == "-" {
			if !seen[pattern] {
				seen[pattern] = true
				out = append(out, pattern)
			}
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func newCompileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <file>",
		Short: "Validate a document and print its compiled constraints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := loadValidated(cmd, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, pdl.Compile(lines))
		},
	}
}

func newPromptCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <file>",
		Short: "Print the implementation prompt for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := loadValidated(cmd, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, pdl.Prompt(pdl.Compile(lines)))
		},
	}
}

func newChecksCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "checks <file>",
		Short: "Print the review check plan for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := loadValidated(cmd, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.format, pdl.CheckPlan(pdl.Compile(lines)))
		},
	}
}
