package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInt         FieldType = "int"
	TypeFloat       FieldType = "float"
	TypeBool        FieldType = "bool"
	TypeDate        FieldType = "date"
	TypePoint       FieldType = "point"
	TypeChoice      FieldType = "choice"
	TypeMultiChoice FieldType = "multichoice"
	TypeForeignKey  FieldType = "fk"
)

func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeDate, TypePoint, TypeChoice, TypeMultiChoice, TypeForeignKey:
		return true
	}
	return false
}

func (t FieldType) HasChoices() bool {
	return t == TypeChoice || t == TypeMultiChoice
}

type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindDate
	KindPoint
	KindChoice
	KindMultiChoice
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindPoint:
		return "point"
	case KindChoice:
		return "choice"
	case KindMultiChoice:
		return "multichoice"
	}
	return "unknown"
}

const DateLayout = "2006-01-02"

type Point struct {
	X float64
	Y float64
}

func (p Point) WKT() string {
	return "POINT (" + formatFloat(p.X) + " " + formatFloat(p.Y) + ")"
}

func ParsePoint(s string) (Point, error) {
	raw := strings.TrimSpace(s)
	upper := strings.ToUpper(raw)
	if !strings.HasPrefix(upper, "POINT") {
		return Point{}, fmt.Errorf("invalid point %q", s)
	}
	body := strings.TrimSpace(raw[len("POINT"):])
	if !strings.HasPrefix(body, "(") || !strings.HasSuffix(body, ")") {
		return Point{}, fmt.Errorf("invalid point %q", s)
	}
	coords := strings.Fields(body[1 : len(body)-1])
	if len(coords) != 2 {
		return Point{}, fmt.Errorf("invalid point %q", s)
	}
	x, err := strconv.ParseFloat(coords[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point x: %w", err)
	}
	y, err := strconv.ParseFloat(coords[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid point y: %w", err)
	}
	return Point{X: x, Y: y}, nil
}

// Value is a single typed field value. The zero Value is null.
type Value struct {
	kind  ValueKind
	str   string
	i     int64
	f     float64
	b     bool
	date  time.Time
	point Point
	items []string
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Date(t time.Time) Value {
	u := t.UTC()
	return Value{kind: KindDate, date: time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)}
}

func PointAt(x, y float64) Value { return Value{kind: KindPoint, point: Point{X: x, Y: y}} }

func Choice(s string) Value { return Value{kind: KindChoice, str: s} }

// MultiChoice stores the selection as a sorted set.
func MultiChoice(items ...string) Value {
	set := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		set = append(set, item)
	}
	sort.Strings(set)
	return Value{kind: KindMultiChoice, items: set}
}

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Str() string { return v.str }

func (v Value) Int() int64 {
	if v.kind == KindFloat {
		return int64(v.f)
	}
	return v.i
}

func (v Value) Float() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Bool() bool { return v.b }

func (v Value) Time() time.Time { return v.date }

func (v Value) Point() Point { return v.point }

func (v Value) Items() []string {
	out := make([]string, len(v.items))
	copy(out, v.items)
	return out
}

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

// Canonical returns the string stored in change records, nil for null.
func (v Value) Canonical() *string {
	var s string
	switch v.kind {
	case KindNull:
		return nil
	case KindString, KindChoice:
		s = v.str
	case KindInt:
		s = strconv.FormatInt(v.i, 10)
	case KindFloat:
		s = formatFloat(v.f)
	case KindBool:
		s = strconv.FormatBool(v.b)
	case KindDate:
		s = v.date.Format(DateLayout)
	case KindPoint:
		s = v.point.WKT()
	case KindMultiChoice:
		items := v.items
		if items == nil {
			items = []string{}
		}
		raw, _ := json.Marshal(items)
		s = string(raw)
	}
	return &s
}

func (v Value) Equal(o Value) bool {
	return SameCanonical(v.Canonical(), o.Canonical())
}

func SameCanonical(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Native returns the JSON representation of the value.
func (v Value) Native() any {
	switch v.kind {
	case KindString, KindChoice:
		return v.str
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindDate:
		return v.date.Format(DateLayout)
	case KindPoint:
		return v.point.WKT()
	case KindMultiChoice:
		return v.Items()
	}
	return nil
}

func (v Value) String() string {
	c := v.Canonical()
	if c == nil {
		return "null"
	}
	return *c
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromNative converts a decoded JSON value into an untyped Value.
// Arrays become multichoice sets.
func FromNative(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case int32:
		return Int(int64(x)), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q", x.String())
		}
		return Float(f), nil
	case []string:
		return MultiChoice(x...), nil
	case []any:
		items := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return Null(), fmt.Errorf("list items must be strings, got %T", item)
			}
			items = append(items, s)
		}
		return MultiChoice(items...), nil
	}
	return Null(), fmt.Errorf("unsupported value type %T", raw)
}

// Coerce converts v to the representation of t. Null stays null.
func (v Value) Coerce(t FieldType) (Value, error) {
	if v.kind == KindNull {
		return v, nil
	}
	switch t {
	case TypeString:
		switch v.kind {
		case KindString, KindChoice:
			return String(v.str), nil
		}
	case TypeInt, TypeForeignKey:
		switch v.kind {
		case KindInt:
			return v, nil
		case KindFloat:
			if v.f == math.Trunc(v.f) && !math.IsInf(v.f, 0) {
				return Int(int64(v.f)), nil
			}
			return Null(), fmt.Errorf("%s is not an integer", formatFloat(v.f))
		case KindString:
			i, err := strconv.ParseInt(strings.TrimSpace(v.str), 10, 64)
			if err != nil {
				return Null(), fmt.Errorf("%q is not an integer", v.str)
			}
			return Int(i), nil
		}
	case TypeFloat:
		switch v.kind {
		case KindInt:
			return Float(float64(v.i)), nil
		case KindFloat:
			if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
				return Null(), fmt.Errorf("%v is not a finite number", v.f)
			}
			return v, nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return Null(), fmt.Errorf("%q is not a number", v.str)
			}
			return Float(f), nil
		}
	case TypeBool:
		switch v.kind {
		case KindBool:
			return v, nil
		case KindString:
			b, err := strconv.ParseBool(strings.TrimSpace(v.str))
			if err != nil {
				return Null(), fmt.Errorf("%q is not a boolean", v.str)
			}
			return Bool(b), nil
		}
	case TypeDate:
		switch v.kind {
		case KindDate:
			return v, nil
		case KindString:
			s := strings.TrimSpace(v.str)
			if d, err := time.Parse(DateLayout, s); err == nil {
				return Date(d), nil
			}
			if d, err := time.Parse(time.RFC3339, s); err == nil {
				return Date(d), nil
			}
			return Null(), fmt.Errorf("%q is not a date (YYYY-MM-DD)", v.str)
		}
	case TypePoint:
		switch v.kind {
		case KindPoint:
			return v, nil
		case KindString:
			p, err := ParsePoint(v.str)
			if err != nil {
				return Null(), err
			}
			return PointAt(p.X, p.Y), nil
		}
	case TypeChoice:
		switch v.kind {
		case KindString, KindChoice:
			return Choice(v.str), nil
		}
	case TypeMultiChoice:
		switch v.kind {
		case KindMultiChoice:
			return v, nil
		case KindString:
			var items []string
			if err := json.Unmarshal([]byte(v.str), &items); err != nil {
				return Null(), fmt.Errorf("%q is not a list of choices", v.str)
			}
			return MultiChoice(items...), nil
		}
	default:
		return Null(), fmt.Errorf("unknown field type %q", t)
	}
	return Null(), fmt.Errorf("cannot use %s value as %s", v.kind, t)
}

// ParseCanonical reverses Canonical for a field of type t.
func ParseCanonical(t FieldType, s *string) (Value, error) {
	if s == nil {
		return Null(), nil
	}
	return String(*s).Coerce(t)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
