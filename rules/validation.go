package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Validation error codes
const (
	CodeRulesRequired          = "RULES_REQUIRED"
	CodeRulesEmpty             = "RULES_EMPTY"
	CodeInvalidJSON            = "INVALID_JSON"
	CodeInvalidFormat          = "INVALID_FORMAT"
	CodeInvalidExpression      = "INVALID_EXPRESSION"
	CodeRuleNameRequired       = "RULE_NAME_REQUIRED"
	CodeRuleExpressionRequired = "RULE_EXPRESSION_REQUIRED"
)

// Validation warning codes
const (
	CodeFormatConverted       = "FORMAT_CONVERTED"
	CodeWorkflowNameEmpty     = "WORKFLOW_NAME_EMPTY"
	CodeExtraWorkflowsIgnored = "EXTRA_WORKFLOWS_IGNORED"
	CodeRuleSkipped           = "RULE_SKIPPED"
	CodeConflictingRules      = "CONFLICTING_RULES"
)

// ValidationIssue is a single finding of Validate.
type ValidationIssue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RuleName string `json:"ruleName,omitempty"`
}

// ValidationReport is the outcome of validating a rules document before it
// is saved on a condition.
type ValidationReport struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

func (r *ValidationReport) fail(code, ruleName, format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationIssue{Code: code, RuleName: ruleName, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationReport) warn(code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a rules document for authoring mistakes: structure,
// required names and expressions, and that every expression compiles
// against this executor's environment. Unlike Execute it reports every
// problem it finds instead of stopping at the first.
func (ex *Executor) Validate(document string) ValidationReport {
	report := ValidationReport{
		IsValid:  true,
		Errors:   []ValidationIssue{},
		Warnings: []ValidationIssue{},
	}

	data := bytes.TrimSpace([]byte(document))
	if len(data) == 0 {
		report.fail(CodeRulesRequired, "", "rules document is required")
		return report
	}
	if !json.Valid(data) {
		var v any
		err := json.Unmarshal(data, &v)
		report.fail(CodeInvalidJSON, "", "invalid JSON format: %v", err)
		return report
	}

	var workflows []Workflow
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &workflows); err != nil {
			report.fail(CodeInvalidJSON, "", "invalid JSON format: %v", err)
			return report
		}
	case '{':
		if !hasLogicKey(data) {
			report.fail(CodeInvalidFormat, "", `rules document must be a workflow array or a frontend rule object with a "logic" property`)
			return report
		}
		wf, skipped, err := convertFrontendDocument(data)
		if err != nil {
			report.fail(CodeInvalidJSON, "", "invalid JSON format: %v", err)
			return report
		}
		workflows = []Workflow{*wf}
		report.warn(CodeFormatConverted, "frontend rule format detected and converted")
		for _, s := range skipped {
			report.warn(CodeRuleSkipped, "rule on %q was dropped: %s", s.FieldPath, s.Reason)
		}
		for _, msg := range detectConflicts(data) {
			report.warn(CodeConflictingRules, "%s", msg)
		}
	default:
		report.fail(CodeInvalidFormat, "", `rules document must be a workflow array or a frontend rule object with a "logic" property`)
		return report
	}

	if len(workflows) == 0 {
		report.fail(CodeRulesEmpty, "", "rules document must contain at least one workflow")
		return report
	}
	if len(workflows) > 1 {
		report.warn(CodeExtraWorkflowsIgnored, "only the first of %d workflows is evaluated", len(workflows))
	}

	for i := range workflows {
		wf := &workflows[i]
		if strings.TrimSpace(wf.WorkflowName) == "" {
			report.warn(CodeWorkflowNameEmpty, "workflow name is empty, default name %q will be used", DefaultWorkflowName)
		}
		if len(wf.Rules) == 0 {
			report.fail(CodeRulesEmpty, "", "workflow %q must contain at least one rule", wf.Name())
			continue
		}
		for _, rule := range wf.Rules {
			if strings.TrimSpace(rule.RuleName) == "" {
				report.fail(CodeRuleNameRequired, "", "rule name is required")
			}
			if strings.TrimSpace(rule.Expression) == "" {
				report.fail(CodeRuleExpressionRequired, rule.RuleName, "rule %q must have an expression", rule.RuleName)
				continue
			}
			if _, err := ex.Compile(rule.Expression); err != nil {
				report.fail(CodeInvalidExpression, rule.RuleName, "invalid rule expression: %v", err)
			}
		}
	}

	return report
}

func hasLogicKey(data []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	_, ok := obj["logic"]
	return ok
}

// detectConflicts finds pairs of AND-ed frontend rules on the same field
// that can never hold together, such as x > 10 and x < 5.
func detectConflicts(data []byte) []string {
	var cfg frontendConfig
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.Logic == nil {
		return nil
	}
	if !strings.EqualFold(*cfg.Logic, "AND") || len(cfg.Rules) < 2 {
		return nil
	}

	byField := make(map[string][]frontendRule)
	var order []string
	for _, r := range cfg.Rules {
		if r.FieldPath == "" {
			continue
		}
		if _, seen := byField[r.FieldPath]; !seen {
			order = append(order, r.FieldPath)
		}
		byField[r.FieldPath] = append(byField[r.FieldPath], r)
	}

	var conflicts []string
	for _, field := range order {
		group := byField[field]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if msg := operatorConflict(group[i], group[j]); msg != "" {
					conflicts = append(conflicts, msg)
				}
			}
		}
	}
	return conflicts
}

func canonicalOperator(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "==", "equals", "eq":
		return "=="
	case "!=", "notequals", "ne":
		return "!="
	case ">", "gt":
		return ">"
	case "<", "lt":
		return "<"
	case ">=", "gte":
		return ">="
	case "<=", "lte":
		return "<="
	default:
		return strings.ToLower(strings.TrimSpace(op))
	}
}

func operatorConflict(a, b frontendRule) string {
	opA, opB := canonicalOperator(a.Operator), canonicalOperator(b.Operator)
	valA, valB := valueText(a.Value), valueText(b.Value)
	numA, errA := strconv.ParseFloat(valA, 64)
	numB, errB := strconv.ParseFloat(valB, 64)
	numeric := errA == nil && errB == nil
	field := a.FieldPath

	switch {
	case opA == ">" && opB == "<" && numeric && numA >= numB,
		opA == "<" && opB == ">" && numeric && numA <= numB,
		opA == ">=" && opB == "<=" && numeric && numA > numB,
		opA == "<=" && opB == ">=" && numeric && numA < numB:
		return fmt.Sprintf("%q %s %s and %s %s can never be satisfied", field, opA, valA, opB, valB)
	case opA == "==" && opB == "==" && valA != valB:
		return fmt.Sprintf("%q == %q and == %q can never be satisfied", field, valA, valB)
	case (opA == "==" && opB == "!=" || opA == "!=" && opB == "==") && valA == valB:
		return fmt.Sprintf("%q %s %q and %s %q can never be satisfied", field, opA, valA, opB, valB)
	case opA == "isnull" && opB == "isnotnull", opA == "isnotnull" && opB == "isnull":
		return fmt.Sprintf("%q isNull and isNotNull can never be satisfied", field)
	case opA == "isempty" && opB == "isnotempty", opA == "isnotempty" && opB == "isempty":
		return fmt.Sprintf("%q isEmpty and isNotEmpty can never be satisfied", field)
	}
	return ""
}

func valueText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
