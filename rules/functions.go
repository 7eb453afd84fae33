package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"
)

// maxInListArgs bounds the variadic form InList(value, a, b, c, ...).
const maxInListArgs = 16

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
}

// FunctionNames is the complete allow-list of helper functions available to
// rule expressions, besides the CEL built-ins.
var FunctionNames = []string{
	"Today", "Now", "DaysBetween", "DaysFromToday", "IsWorkday",
	"IsEmpty", "IsNotEmpty", "InList", "NotInList",
	"ContainsText", "StartsWithText", "EndsWithText",
	"Length", "ToLower", "ToUpper",
	"Abs", "Round",
	"HasValue", "Compare", "Equals", "NotEquals",
	"GreaterThan", "GreaterThanOrEqual", "LessThan", "LessThanOrEqual",
}

// library binds the helper functions to a clock and a location. Only
// Today and Now read the clock.
type library struct {
	now func() time.Time
	loc *time.Location
}

func (l *library) envOptions() []cel.EnvOption {
	dyn := cel.DynType
	one := []*cel.Type{dyn}
	two := []*cel.Type{dyn, dyn}

	opts := []cel.EnvOption{
		cel.Function("Today",
			cel.Overload("Today_timestamp", []*cel.Type{}, cel.TimestampType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.Timestamp{Time: l.today()}
				}))),
		cel.Function("Now",
			cel.Overload("Now_timestamp", []*cel.Type{}, cel.TimestampType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.Timestamp{Time: l.now().In(l.loc)}
				}))),
		cel.Function("DaysBetween",
			cel.Overload("DaysBetween_dyn_dyn", two, cel.IntType, cel.BinaryBinding(l.daysBetween))),
		cel.Function("DaysFromToday",
			cel.Overload("DaysFromToday_dyn", one, cel.IntType, cel.UnaryBinding(l.daysFromToday))),
		cel.Function("IsWorkday",
			cel.Overload("IsWorkday_dyn", one, cel.BoolType, cel.UnaryBinding(l.isWorkday))),

		cel.Function("IsEmpty",
			cel.Overload("IsEmpty_dyn", one, cel.BoolType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				return types.Bool(isEmpty(v))
			}))),
		cel.Function("IsNotEmpty",
			cel.Overload("IsNotEmpty_dyn", one, cel.BoolType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				return types.Bool(!isEmpty(v))
			}))),
		cel.Function("InList", listOverloads("InList", false)...),
		cel.Function("NotInList", listOverloads("NotInList", true)...),
		cel.Function("ContainsText",
			cel.Overload("ContainsText_dyn_dyn", two, cel.BoolType, cel.BinaryBinding(textMatcher(strings.Contains)))),
		cel.Function("StartsWithText",
			cel.Overload("StartsWithText_dyn_dyn", two, cel.BoolType, cel.BinaryBinding(textMatcher(strings.HasPrefix)))),
		cel.Function("EndsWithText",
			cel.Overload("EndsWithText_dyn_dyn", two, cel.BoolType, cel.BinaryBinding(textMatcher(strings.HasSuffix)))),
		cel.Function("Length",
			cel.Overload("Length_dyn", one, cel.IntType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				s, _ := toText(v)
				return types.Int(utf8.RuneCountInString(s))
			}))),
		cel.Function("ToLower",
			cel.Overload("ToLower_dyn", one, cel.StringType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				s, _ := toText(v)
				return types.String(strings.ToLower(s))
			}))),
		cel.Function("ToUpper",
			cel.Overload("ToUpper_dyn", one, cel.StringType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				s, _ := toText(v)
				return types.String(strings.ToUpper(s))
			}))),

		cel.Function("Abs",
			cel.Overload("Abs_dyn", one, cel.DoubleType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				d, ok := toNumber(v)
				if !ok {
					return types.NewErr("Abs: %s is not a number", v.Type().TypeName())
				}
				return types.Double(d.Abs().InexactFloat64())
			}))),
		cel.Function("Round",
			cel.Overload("Round_dyn", one, cel.DoubleType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				return roundBank(v, types.Int(0))
			})),
			cel.Overload("Round_dyn_dyn", two, cel.DoubleType, cel.BinaryBinding(roundBank))),

		cel.Function("HasValue",
			cel.Overload("HasValue_dyn", one, cel.BoolType, cel.UnaryBinding(func(v ref.Val) ref.Val {
				return types.Bool(!isNull(v))
			}))),
		cel.Function("Compare",
			cel.Overload("Compare_dyn_dyn", two, cel.IntType, cel.BinaryBinding(func(a, b ref.Val) ref.Val {
				return types.Int(compareLoose(a, b))
			}))),
		cel.Function("Equals",
			cel.Overload("Equals_dyn_dyn", two, cel.BoolType, cel.BinaryBinding(func(a, b ref.Val) ref.Val {
				return types.Bool(equalsLoose(a, b))
			}))),
		cel.Function("NotEquals",
			cel.Overload("NotEquals_dyn_dyn", two, cel.BoolType, cel.BinaryBinding(func(a, b ref.Val) ref.Val {
				return types.Bool(!equalsLoose(a, b))
			}))),
		cel.Function("GreaterThan", comparison("GreaterThan", func(c int) bool { return c > 0 })),
		cel.Function("GreaterThanOrEqual", comparison("GreaterThanOrEqual", func(c int) bool { return c >= 0 })),
		cel.Function("LessThan", comparison("LessThan", func(c int) bool { return c < 0 })),
		cel.Function("LessThanOrEqual", comparison("LessThanOrEqual", func(c int) bool { return c <= 0 })),
	}
	return opts
}

func (l *library) today() time.Time {
	y, m, d := l.now().In(l.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

func (l *library) daysBetween(a, b ref.Val) ref.Val {
	start, err := l.toTime(a)
	if err != nil {
		return types.NewErr("DaysBetween: %v", err)
	}
	end, err := l.toTime(b)
	if err != nil {
		return types.NewErr("DaysBetween: %v", err)
	}
	return types.Int(l.dayDiff(start, end))
}

func (l *library) daysFromToday(v ref.Val) ref.Val {
	t, err := l.toTime(v)
	if err != nil {
		return types.NewErr("DaysFromToday: %v", err)
	}
	return types.Int(l.dayDiff(t, l.today()))
}

func (l *library) isWorkday(v ref.Val) ref.Val {
	t, err := l.toTime(v)
	if err != nil {
		return types.NewErr("IsWorkday: %v", err)
	}
	switch t.In(l.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return types.False
	default:
		return types.True
	}
}

// dayDiff counts whole calendar days from a to b, ignoring time of day.
func (l *library) dayDiff(a, b time.Time) int64 {
	ay, am, ad := a.In(l.loc).Date()
	by, bm, bd := b.In(l.loc).Date()
	from := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	to := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int64(to.Sub(from).Hours() / 24)
}

func (l *library) toTime(v ref.Val) (time.Time, error) {
	switch t := v.(type) {
	case types.Timestamp:
		return t.Time, nil
	case types.String:
		s := strings.TrimSpace(string(t))
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, nil
		}
		for _, layout := range dateLayouts {
			if ts, err := time.ParseInLocation(layout, s, l.loc); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as a date", s)
	case types.Null:
		return time.Time{}, fmt.Errorf("date is null")
	default:
		return time.Time{}, fmt.Errorf("%s is not a date", v.Type().TypeName())
	}
}

func listOverloads(name string, negate bool) []cel.FunctionOpt {
	overloads := make([]cel.FunctionOpt, 0, maxInListArgs)
	for n := 2; n <= maxInListArgs+1; n++ {
		args := make([]*cel.Type, n)
		for i := range args {
			args[i] = cel.DynType
		}
		overloads = append(overloads, cel.Overload(
			fmt.Sprintf("%s_dyn_%d", name, n), args, cel.BoolType,
			cel.FunctionBinding(func(vals ...ref.Val) ref.Val {
				return types.Bool(inList(vals[0], vals[1:]) != negate)
			})))
	}
	return overloads
}

// inList matches value case-insensitively against the candidates. A single
// string candidate is treated as a comma separated list and a single list
// candidate is expanded.
func inList(value ref.Val, candidates []ref.Val) bool {
	needle, ok := toText(value)
	if !ok || needle == "" {
		return false
	}

	var items []string
	if len(candidates) == 1 {
		switch c := candidates[0].(type) {
		case types.String:
			for _, part := range strings.Split(string(c), ",") {
				if p := strings.TrimSpace(part); p != "" {
					items = append(items, p)
				}
			}
		case traits.Lister:
			size, _ := c.Size().(types.Int)
			for i := types.Int(0); i < size; i++ {
				if s, ok := toText(c.Get(i)); ok {
					items = append(items, s)
				}
			}
		default:
			if s, ok := toText(c); ok {
				items = append(items, s)
			}
		}
	} else {
		for _, c := range candidates {
			if s, ok := toText(c); ok {
				items = append(items, s)
			}
		}
	}

	for _, item := range items {
		if strings.EqualFold(item, needle) {
			return true
		}
	}
	return false
}

func textMatcher(match func(s, sub string) bool) func(a, b ref.Val) ref.Val {
	return func(a, b ref.Val) ref.Val {
		src, ok1 := toText(a)
		search, ok2 := toText(b)
		if !ok1 || !ok2 || src == "" || search == "" {
			return types.False
		}
		return types.Bool(match(strings.ToLower(src), strings.ToLower(search)))
	}
}

func comparison(name string, accept func(int) bool) cel.FunctionOpt {
	return cel.Overload(name+"_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
		cel.BinaryBinding(func(a, b ref.Val) ref.Val {
			return types.Bool(accept(compareLoose(a, b)))
		}))
}

// roundBank rounds half to even on the shortest decimal representation of
// the value, so Round(2.345, 2) is 2.34 and Round(2.355, 2) is 2.36.
func roundBank(v, places ref.Val) ref.Val {
	d, ok := toNumber(v)
	if !ok {
		return types.NewErr("Round: %s is not a number", v.Type().TypeName())
	}
	p, ok := toNumber(places)
	if !ok || !p.IsInteger() {
		return types.NewErr("Round: decimal places must be an integer")
	}
	return types.Double(d.RoundBank(int32(p.IntPart())).InexactFloat64())
}

func isNull(v ref.Val) bool {
	_, ok := v.(types.Null)
	return ok
}

func isEmpty(v ref.Val) bool {
	switch t := v.(type) {
	case types.Null:
		return true
	case types.String:
		return strings.TrimSpace(string(t)) == ""
	case traits.Sizer:
		size, _ := t.Size().(types.Int)
		return size == 0
	default:
		return false
	}
}

// toText renders scalar values as strings. Null and non-scalar values
// report false.
func toText(v ref.Val) (string, bool) {
	switch t := v.(type) {
	case types.String:
		return string(t), true
	case types.Null:
		return "", false
	case types.Int, types.Uint, types.Double, types.Bool, types.Timestamp:
		if s, ok := t.ConvertToType(types.StringType).(types.String); ok {
			return string(s), true
		}
	}
	return "", false
}

func toNumber(v ref.Val) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case types.Int:
		return decimal.NewFromInt(int64(t)), true
	case types.Uint:
		return decimal.NewFromUint64(uint64(t)), true
	case types.Double:
		return decimal.NewFromFloat(float64(t)), true
	case types.String:
		d, err := decimal.NewFromString(strings.TrimSpace(string(t)))
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// compareLoose orders two values numerically when both are numbers (or
// numeric strings) and case-insensitively as text otherwise. Null sorts
// first.
func compareLoose(a, b ref.Val) int {
	an, bn := isNull(a), isNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x.Cmp(y)
		}
	}
	as, _ := toText(a)
	bs, _ := toText(b)
	return strings.Compare(strings.ToLower(as), strings.ToLower(bs))
}

func equalsLoose(a, b ref.Val) bool {
	an, bn := isNull(a), isNull(b)
	if an || bn {
		return an && bn
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x.Equal(y)
		}
	}
	as, _ := toText(a)
	bs, _ := toText(b)
	return strings.EqualFold(as, bs)
}
