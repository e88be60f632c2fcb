package pdl

import (
	"fmt"
	"strings"
)

// CheckItem is one line of a generated review checklist.
type CheckItem struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title" yaml:"title"`
	Detail string `json:"detail" yaml:"detail"`
}

// MaxConstraintChecks caps how many flat rules become check items.
const MaxConstraintChecks = 6

var baselineChecks = []CheckItem{
	{
		ID:     "api-execution-id",
		Title:  "All APIs issue executionId",
		Detail: "Verify every Route Handler response includes executionId and logs it in ExecutionLog.",
	},
	{
		ID:     "api-failclass",
		Title:  "Fail class is from fixed enum",
		Detail: "Verify failClass only uses allowed values and maps all failures to userSafeMessage.",
	},
	{
		ID:     "ops-rate-budget",
		Title:  "Rate and budget controls exist server-side",
		Detail: "Verify rate_limited and budget_exceeded can be returned before expensive operations.",
	},
	{
		ID:     "feedback-link",
		Title:  "Feedback links to executionId",
		Detail: "Verify feedback writes executionId and screenId and is queryable for support timeline.",
	},
}

// CheckPlan returns the four baseline items followed by the first
// MaxConstraintChecks flat rules.
func CheckPlan(c CompiledConstraint) []CheckItem {
	n := len(c.FlatRules)
	if n > MaxConstraintChecks {
		n = MaxConstraintChecks
	}
	out := make([]CheckItem, 0, len(baselineChecks)+n)
	out = append(out, baselineChecks...)
	for i, rule := range c.FlatRules[:n] {
		out = append(out, CheckItem{
			ID:     fmt.Sprintf("constraint-%d", i+1),
			Title:  fmt.Sprintf("%s %s", rule.Command, rule.Key),
			Detail: "Check implementation meets: " + rule.Value,
		})
	}
	return out
}

var promptHeader = []string{
	"You are implementing software under strict Plato Design Language constraints.",
	"Return one complete final output. Do not emit TODO, pseudocode, or placeholders.",
	"Honor all constraints and explicitly include executionId, failClass, and userSafeMessage contracts.",
}

var promptFooter = []string{
	"Forbidden: dark patterns, infinite scroll, missing ResyncExit, undefined failClass.",
	"Output requirement: production-ready code and concise operational notes.",
}

// Prompt renders every flat rule, in order, between a fixed header and footer.
func Prompt(c CompiledConstraint) string {
	rules := make([]string, 0, len(c.FlatRules))
	for i, rule := range c.FlatRules {
		rules = append(rules, fmt.Sprintf("%d. [%s] %s => %s", i+1, rule.Command, rule.Key, rule.Value))
	}
	parts := make([]string, 0, len(promptHeader)+len(promptFooter)+4)
	parts = append(parts, promptHeader...)
	parts = append(parts, "", "Constraints:", strings.Join(rules, "\n"), "")
	parts = append(parts, promptFooter...)
	return strings.Join(parts, "\n")
}
