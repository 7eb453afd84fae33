package rules

import (
	"errors"
	"strings"
	"testing"
)

func TestParseDocument_WorkflowArray(t *testing.T) {
	doc, err := ParseDocument(`[
		{"WorkflowName": "Primary", "Rules": [
			{"RuleName": "Checklist", "Expression": "input.checklist.completionPercentage >= 100"},
			{"RuleName": "Score", "Expression": "input.questionnaire.totalScore > 50"}
		]},
		{"workflowName": "Ignored", "rules": [{"ruleName": "X", "expression": "false"}]}
	]`)
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}

	if len(doc.Workflows) != 2 {
		t.Fatalf("len(Workflows) = %d, want 2", len(doc.Workflows))
	}
	primary := doc.Primary()
	if primary.Name() != "Primary" {
		t.Errorf("Primary().Name() = %q, want %q", primary.Name(), "Primary")
	}
	if len(primary.Rules) != 2 {
		t.Fatalf("len(Primary().Rules) = %d, want 2", len(primary.Rules))
	}
	if primary.Rules[1].RuleName != "Score" {
		t.Errorf("Rules[1].RuleName = %q, want %q", primary.Rules[1].RuleName, "Score")
	}
	if doc.Converted {
		t.Error("workflow arrays should not be marked as converted")
	}
}

func TestParseDocument_DefaultWorkflowName(t *testing.T) {
	doc, err := ParseDocument(`[{"rules": [{"ruleName": "R", "expression": "true"}]}]`)
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}
	if got := doc.Primary().Name(); got != DefaultWorkflowName {
		t.Errorf("Name() = %q, want %q", got, DefaultWorkflowName)
	}
}

func TestParseDocument_Malformed(t *testing.T) {
	testCases := []struct {
		name     string
		document string
	}{
		{"Empty", ``},
		{"Whitespace", "   \n\t"},
		{"Truncated JSON", `[{"workflowName": "x", "rules": [`},
		{"Scalar", `42`},
		{"Object without logic", `{"rules": []}`},
		{"Wrong rule shape", `[{"workflowName": "x", "rules": "nope"}]`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := ParseDocument(tc.document)
			if err == nil {
				t.Fatalf("ParseDocument(%q) should fail, got %+v", tc.document, doc)
			}
			if !IsParseError(err) {
				t.Errorf("error should be a *ParseError, got %T: %v", err, err)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Unwrap() == nil {
				t.Errorf("ParseError should wrap its cause")
			}
		})
	}
}

func TestParseDocument_EmptyIsWellFormed(t *testing.T) {
	testCases := []struct {
		name     string
		document string
	}{
		{"No workflows", `[]`},
		{"No rules", `[{"workflowName": "x", "rules": []}]`},
		{"Frontend without rules", `{"logic": "AND", "rules": []}`},
		{"Frontend with only invalid paths", `{"logic": "AND", "rules": [{"fieldPath": "user.age", "operator": "==", "value": 1}]}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := ParseDocument(tc.document)
			if err != nil {
				t.Fatalf("ParseDocument(%q) failed: %v", tc.document, err)
			}
			if wf := doc.Primary(); wf != nil && len(wf.Rules) != 0 {
				t.Errorf("expected no rules, got %+v", wf.Rules)
			}
		})
	}
}

func TestFrontendRuleName(t *testing.T) {
	seen := map[string]int{}
	testCases := []struct {
		rule frontendRule
		want string
	}{
		{frontendRule{FieldPath: "input.fields.amount", Operator: "gte"}, "fields.amount gte"},
		{frontendRule{FieldPath: `input.checklist.tasks["c1"]["t-2"].isCompleted`, Operator: "completetask"}, "checklist.tasks.c1.t-2.isCompleted completetask"},
		{frontendRule{FieldPath: "input.fields.amount", Operator: " GTE "}, "fields.amount gte #2"},
		{frontendRule{FieldPath: "input.fields.status"}, "fields.status equals"},
	}

	for _, tc := range testCases {
		if got := frontendRuleName(tc.rule, seen); got != tc.want {
			t.Errorf("frontendRuleName(%+v) = %q, want %q", tc.rule, got, tc.want)
		}
	}
}

func TestParseDocument_FrontendAnd(t *testing.T) {
	doc, err := ParseDocument(`{"logic": "AND", "rules": [
		{"fieldPath": "input.checklist.completionPercentage", "operator": ">=", "value": 100},
		{"fieldPath": "input.fields.123", "operator": "==", "value": "yes"},
		{"fieldPath": "", "operator": "==", "value": "skipped silently"}
	]}`)
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}
	if !doc.Converted {
		t.Error("frontend documents should be marked as converted")
	}

	wf := doc.Primary()
	if wf.Name() != DefaultWorkflowName {
		t.Errorf("Name() = %q, want %q", wf.Name(), DefaultWorkflowName)
	}
	if len(wf.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(wf.Rules))
	}

	want := []Rule{
		{RuleName: "checklist.completionPercentage >=", Expression: `GreaterThanOrEqual(input.checklist.completionPercentage, 100)`},
		{RuleName: "fields.123 ==", Expression: `Equals(input.fields["123"], "yes")`},
	}
	for i, w := range want {
		if wf.Rules[i] != w {
			t.Errorf("Rules[%d] = %+v, want %+v", i, wf.Rules[i], w)
		}
	}
}

func TestParseDocument_FrontendOrCombines(t *testing.T) {
	doc, err := ParseDocument(`{"logic": "or", "rules": [
		{"fieldPath": "input.attachments.fileCount", "operator": "gt", "value": 0},
		{"fieldPath": "input.fields.status", "operator": "inlist", "value": "open,pending"}
	]}`)
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}

	rules := doc.Primary().Rules
	if len(rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(rules))
	}
	if rules[0].RuleName != "CombinedOrRule" {
		t.Errorf("RuleName = %q, want CombinedOrRule", rules[0].RuleName)
	}
	want := `(GreaterThan(input.attachments.fileCount, 0)) || (InList(input.fields.status, "open,pending"))`
	if rules[0].Expression != want {
		t.Errorf("Expression = %s, want %s", rules[0].Expression, want)
	}
}

func TestParseDocument_FrontendSkipsInvalidPaths(t *testing.T) {
	doc, err := ParseDocument(`{"logic": "AND", "rules": [
		{"fieldPath": "input.fields.ok", "operator": "==", "value": true},
		{"fieldPath": "input.fields.x; drop", "operator": "==", "value": 1},
		{"fieldPath": "env.HOME", "operator": "==", "value": 1}
	]}`)
	if err != nil {
		t.Fatalf("ParseDocument() failed: %v", err)
	}
	if len(doc.Primary().Rules) != 1 {
		t.Errorf("len(Rules) = %d, want 1", len(doc.Primary().Rules))
	}
	if len(doc.Skipped) != 2 {
		t.Errorf("len(Skipped) = %d, want 2", len(doc.Skipped))
	}
}

func TestFrontendExpression_Operators(t *testing.T) {
	testCases := []struct {
		operator string
		path     string
		value    any
		want     string
	}{
		{"==", "input.fields.a", "x", `Equals(input.fields.a, "x")`},
		{"eq", "input.fields.a", 1.5, `Equals(input.fields.a, 1.5)`},
		{"unknown", "input.fields.a", nil, `Equals(input.fields.a, null)`},
		{"ne", "input.fields.a", "x", `NotEquals(input.fields.a, "x")`},
		{"lt", "input.fields.a", 3.0, `LessThan(input.fields.a, 3)`},
		{"lte", "input.fields.a", 3.0, `LessThanOrEqual(input.fields.a, 3)`},
		{"notcontains", "input.fields.a", "x", `!ContainsText(input.fields.a, "x")`},
		{"startswith", "input.fields.a", "x", `StartsWithText(input.fields.a, "x")`},
		{"endswith", "input.fields.a", "x", `EndsWithText(input.fields.a, "x")`},
		{"notinlist", "input.fields.a", "x,y", `NotInList(input.fields.a, "x,y")`},
		{"isnull", "input.fields.a", nil, `!("a" in input.fields) || input.fields.a == null`},
		{"isnotnull", "input.fields.a", nil, `"a" in input.fields && input.fields.a != null`},
		{"isempty", "input.fields.a", nil, `!("a" in input.fields) || IsEmpty(input.fields.a)`},
		{"isnotempty", "input.fields.a", nil, `"a" in input.fields && IsNotEmpty(input.fields.a)`},
		{"completetask", `input.checklist.tasks["c1"]["t1"].isCompleted`, nil, `input.checklist.tasks.c1.t1.isCompleted == true`},
		{"completestage", "input.checklist.status", nil, `input.checklist.status == "Completed"`},
		{"completestage", `input.checklist.tasks["c1"]["t-2"].isCompleted`, nil, `input.checklist.tasks.c1["t-2"].isCompleted == true`},
	}

	for _, tc := range testCases {
		t.Run(tc.operator+" "+tc.path, func(t *testing.T) {
			got := frontendExpression(frontendRule{FieldPath: tc.path, Operator: tc.operator, Value: tc.value})
			if got != tc.want {
				t.Errorf("frontendExpression() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestValidateFieldPath(t *testing.T) {
	testCases := []struct {
		path    string
		wantErr string
	}{
		{"input.fields.name", ""},
		{"Input.Checklist.status", ""},
		{`input.fields["a b"]`, ""},
		{"", "empty"},
		{"input.fields.a|b", "disallowed"},
		{"input.fields.${x}", "disallowed"},
		{"input.other", "must start with"},
		{"input.fields[[0]]", "bracket"},
		{`input.fields["a"`, "bracket"},
		{"input.fields." + strings.Repeat("a", 600), "maximum length"},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			err := ValidateFieldPath(tc.path)
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateFieldPath(%q) = %v, want nil", tc.path, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("ValidateFieldPath(%q) = %v, want error containing %q", tc.path, err, tc.wantErr)
			}
		})
	}
}

func TestNormalizeExpression(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{`input.fields.123 == "x"`, `input.fields["123"] == "x"`},
		{`RuleUtils.IsEmpty(input.fields.name)`, `IsEmpty(input.fields.name)`},
		{`input.checklist.completionPercentage >= 100`, `input.checklist.completionPercentage >= 100`},
		{`input.fields["9"].size() > 0`, `input.fields["9"].size() > 0`},
		{`input.questionnaire.answers.q1.42 == "yes"`, `input.questionnaire.answers.q1["42"] == "yes"`},
		{`ContainsText(input.fields.note, "see input.fields.123")`, `ContainsText(input.fields.note, "see input.fields.123")`},
		{`input.fields.7 == 'input.fields.8'`, `input.fields["7"] == 'input.fields.8'`},
		{`input.fields.code == "RuleUtils.x"`, `input.fields.code == "RuleUtils.x"`},
		{`RuleUtils.Equals(input.fields.a, "say \"RuleUtils.y\"") && input.fields.1 > 0`, `Equals(input.fields.a, "say \"RuleUtils.y\"") && input.fields["1"] > 0`},
		{`input.fields["a.1"].x == r"input.fields.2\"`, `input.fields["a.1"].x == r"input.fields.2\"`},
		{`"""input.fields.3""" == input.fields.4`, `"""input.fields.3""" == input.fields["4"]`},
	}

	for _, tc := range testCases {
		if got := NormalizeExpression(tc.in); got != tc.want {
			t.Errorf("NormalizeExpression(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestAllSucceeded(t *testing.T) {
	if AllSucceeded(nil) {
		t.Error("AllSucceeded(nil) should be false")
	}
	if !AllSucceeded([]RuleEvaluationDetail{{IsSuccess: true}, {IsSuccess: true}}) {
		t.Error("AllSucceeded() should be true when every rule succeeds")
	}
	if AllSucceeded([]RuleEvaluationDetail{{IsSuccess: true}, {IsSuccess: false}}) {
		t.Error("AllSucceeded() should be false when a rule fails")
	}
}
