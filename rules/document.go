package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports a rules document that is not well-formed. It is
// distinct from a rule that merely evaluates to false.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "invalid rules document: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is, or wraps, a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ParseDocument parses a rules document. Two shapes are accepted: the
// native array of workflows and the frontend {"logic","rules"} object.
// A well-formed document without workflows or rules is not an error; it
// simply has nothing to pass, so Primary may be nil or empty.
func ParseDocument(raw string) (*Document, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 {
		return nil, &ParseError{Err: errors.New("document is empty")}
	}

	var doc Document
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &doc.Workflows); err != nil {
			return nil, &ParseError{Err: err}
		}
	case '{':
		wf, skipped, err := convertFrontendDocument(data)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		doc.Workflows = []Workflow{*wf}
		doc.Converted = true
		doc.Skipped = skipped
	default:
		return nil, &ParseError{Err: fmt.Errorf("unexpected leading character %q", data[0])}
	}

	return &doc, nil
}

// frontendConfig is the rule format produced by the condition editor.
type frontendConfig struct {
	Logic *string        `json:"logic"`
	Rules []frontendRule `json:"rules"`
}

type frontendRule struct {
	FieldPath string `json:"fieldPath"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
}

func convertFrontendDocument(data []byte) (wf *Workflow, skipped []SkippedRule, err error) {
	var cfg frontendConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil, err
	}
	if cfg.Logic == nil {
		return nil, nil, errors.New(`object documents must carry a "logic" property`)
	}

	wf = &Workflow{WorkflowName: DefaultWorkflowName}
	var expressions []string
	names := map[string]int{}
	for _, fr := range cfg.Rules {
		if strings.TrimSpace(fr.FieldPath) == "" {
			continue
		}
		if err := ValidateFieldPath(fr.FieldPath); err != nil {
			skipped = append(skipped, SkippedRule{FieldPath: fr.FieldPath, Reason: err.Error()})
			continue
		}
		if err := validateValue(fr.Value); err != nil {
			skipped = append(skipped, SkippedRule{FieldPath: fr.FieldPath, Reason: err.Error()})
			continue
		}
		expr := frontendExpression(fr)
		expressions = append(expressions, expr)
		wf.Rules = append(wf.Rules, Rule{
			RuleName:   frontendRuleName(fr, names),
			Expression: expr,
		})
	}

	if strings.EqualFold(*cfg.Logic, "OR") && len(expressions) > 1 {
		parts := make([]string, len(expressions))
		for i, e := range expressions {
			parts[i] = "(" + e + ")"
		}
		wf.Rules = []Rule{{RuleName: "CombinedOrRule", Expression: strings.Join(parts, " || ")}}
	}

	return wf, skipped, nil
}

func frontendExpression(fr frontendRule) string {
	segs := splitPath(fr.FieldPath)
	path := renderPath(segs)
	present := presenceCheck(segs)
	value := celLiteral(fr.Value)

	switch strings.ToLower(strings.TrimSpace(fr.Operator)) {
	case "completetask":
		return path + " == true"
	case "completestage":
		if strings.Contains(fr.FieldPath, ".isCompleted") {
			return path + " == true"
		}
		return `input.checklist.status == "Completed"`
	case "!=", "notequals", "ne":
		return fmt.Sprintf("NotEquals(%s, %s)", path, value)
	case ">", "gt":
		return fmt.Sprintf("GreaterThan(%s, %s)", path, value)
	case "<", "lt":
		return fmt.Sprintf("LessThan(%s, %s)", path, value)
	case ">=", "gte":
		return fmt.Sprintf("GreaterThanOrEqual(%s, %s)", path, value)
	case "<=", "lte":
		return fmt.Sprintf("LessThanOrEqual(%s, %s)", path, value)
	case "contains":
		return fmt.Sprintf("ContainsText(%s, %s)", path, value)
	case "notcontains":
		return fmt.Sprintf("!ContainsText(%s, %s)", path, value)
	case "startswith":
		return fmt.Sprintf("StartsWithText(%s, %s)", path, value)
	case "endswith":
		return fmt.Sprintf("EndsWithText(%s, %s)", path, value)
	case "isnull":
		return orPresence("!", present, path+" == null")
	case "isnotnull":
		return andPresence(present, path+" != null")
	case "isempty":
		return orPresence("!", present, "IsEmpty("+path+")")
	case "isnotempty":
		return andPresence(present, "IsNotEmpty("+path+")")
	case "inlist":
		return fmt.Sprintf("InList(%s, %s)", path, value)
	case "notinlist":
		return fmt.Sprintf("NotInList(%s, %s)", path, value)
	default:
		return fmt.Sprintf("Equals(%s, %s)", path, value)
	}
}

// frontendRuleName describes a converted rule by its field path and
// operator, e.g. "fields.amount gte". Repeated names get a "#n" suffix.
func frontendRuleName(fr frontendRule, seen map[string]int) string {
	segs := splitPath(fr.FieldPath)
	if len(segs) > 1 && strings.EqualFold(segs[0], InputVariable) {
		segs = segs[1:]
	}
	op := strings.ToLower(strings.TrimSpace(fr.Operator))
	if op == "" {
		op = "equals"
	}
	name := strings.Join(segs, ".") + " " + op

	seen[name]++
	if n := seen[name]; n > 1 {
		name += " #" + strconv.Itoa(n)
	}
	return name
}

// SkippedRule records a frontend rule dropped during conversion.
type SkippedRule struct {
	FieldPath string
	Reason    string
}

const (
	maxFieldPathLength  = 500
	maxFieldValueLength = 1000
)

// AllowedFieldPathPrefixes lists the input domains a frontend rule may
// reference.
var AllowedFieldPathPrefixes = []string{
	"input.checklist",
	"input.questionnaire",
	"input.attachments",
	"input.fields",
}

const disallowedFieldPathChars = ";&|`$!{}<>"

// ValidateFieldPath checks a frontend field path before it is spliced into
// an expression.
func ValidateFieldPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("field path cannot be empty")
	}
	if len(path) > maxFieldPathLength {
		return fmt.Errorf("field path exceeds maximum length of %d characters", maxFieldPathLength)
	}
	if i := strings.IndexAny(path, disallowedFieldPathChars); i >= 0 {
		return fmt.Errorf("field path contains disallowed character %q", path[i])
	}
	lower := strings.ToLower(path)
	allowed := false
	for _, prefix := range AllowedFieldPathPrefixes {
		if strings.HasPrefix(lower, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("field path must start with one of: %s", strings.Join(AllowedFieldPathPrefixes, ", "))
	}
	if !balancedBrackets(path) {
		return errors.New("field path has invalid bracket syntax")
	}
	return nil
}

func balancedBrackets(path string) bool {
	depth := 0
	var quote rune
	for _, c := range path {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			if depth == 0 {
				return false
			}
			quote = c
		case c == '[':
			depth++
			if depth > 1 {
				return false
			}
		case c == ']':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && quote == 0
}

func validateValue(v any) error {
	if s, ok := v.(string); ok && len(s) > maxFieldValueLength {
		return fmt.Errorf("value exceeds maximum length of %d characters", maxFieldValueLength)
	}
	return nil
}

func orPresence(neg, present, expr string) string {
	if present == "" {
		return expr
	}
	return neg + "(" + present + ") || " + expr
}

func andPresence(present, expr string) string {
	if present == "" {
		return expr
	}
	return present + " && " + expr
}

func celLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return strconv.Quote(fmt.Sprint(val))
		}
		return strconv.Quote(string(b))
	}
}

var (
	identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	segPattern   = regexp.MustCompile(`\["((?:[^"\\]|\\.)*)"\]|\['([^']*)'\]|\[([0-9]+)\]|([^.\[\]]+)`)
	pathPattern  = regexp.MustCompile(`\binput(?:\.[A-Za-z0-9_]+|\["(?:[^"\\]|\\.)*"\])+`)
	utilsPrefix  = regexp.MustCompile(`\bRuleUtils\.`)
)

// splitPath breaks a field path such as input.fields["a"].b.123 into its
// segments.
func splitPath(path string) []string {
	var segs []string
	for _, m := range segPattern.FindAllStringSubmatch(strings.TrimSpace(path), -1) {
		for _, g := range m[1:] {
			if g != "" {
				if unq, err := strconv.Unquote(`"` + g + `"`); err == nil {
					g = unq
				}
				segs = append(segs, g)
				break
			}
		}
	}
	return segs
}

// renderPath writes segments back as a CEL selector, switching to index
// syntax for segments that are not valid identifiers.
func renderPath(segs []string) string {
	var b strings.Builder
	for i, s := range segs {
		switch {
		case i == 0:
			b.WriteString(s)
		case identPattern.MatchString(s):
			b.WriteString("." + s)
		default:
			b.WriteString("[" + strconv.Quote(s) + "]")
		}
	}
	return b.String()
}

// presenceCheck builds a conjunction of map membership tests for every
// segment below input.<domain>, which the assembler always populates.
func presenceCheck(segs []string) string {
	if len(segs) < 3 || segs[0] != "input" {
		return ""
	}
	var checks []string
	for i := 2; i < len(segs); i++ {
		checks = append(checks, fmt.Sprintf("%s in %s", strconv.Quote(segs[i]), renderPath(segs[:i])))
	}
	return strings.Join(checks, " && ")
}

// NormalizeExpression rewrites legacy syntax into plain CEL: the
// RuleUtils. qualifier is dropped and numeric dotted path segments such as
// input.fields.123 become index lookups. String literals are left as
// written.
func NormalizeExpression(expr string) string {
	expr = replaceOutsideLiterals(expr, utilsPrefix, func(string) string { return "" })
	return replaceOutsideLiterals(expr, pathPattern, func(p string) string {
		return renderPath(splitPath(p))
	})
}

// replaceOutsideLiterals applies repl to every match of re that starts
// outside a quoted string literal.
func replaceOutsideLiterals(expr string, re *regexp.Regexp, repl func(string) string) string {
	spans := literalSpans(expr)
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringIndex(expr, -1) {
		if insideSpan(spans, m[0]) {
			continue
		}
		b.WriteString(expr[last:m[0]])
		b.WriteString(repl(expr[m[0]:m[1]]))
		last = m[1]
	}
	b.WriteString(expr[last:])
	return b.String()
}

// literalSpans returns the byte ranges of the string literals in a CEL
// expression: single, double and triple quoted, raw or escaped. An
// unterminated literal runs to the end of the expression.
func literalSpans(expr string) [][2]int {
	var spans [][2]int
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if c != '"' && c != '\'' {
			continue
		}
		start := i
		delim := expr[i : i+1]
		if strings.HasPrefix(expr[i:], strings.Repeat(delim, 3)) {
			delim = strings.Repeat(delim, 3)
		}
		raw := start > 0 && (expr[start-1] == 'r' || expr[start-1] == 'R')

		i += len(delim)
		for i < len(expr) && !strings.HasPrefix(expr[i:], delim) {
			if expr[i] == '\\' && !raw {
				i++
			}
			i++
		}
		end := min(i+len(delim), len(expr))
		spans = append(spans, [2]int{start, end})
		i = end - 1
	}
	return spans
}

func insideSpan(spans [][2]int, pos int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}
