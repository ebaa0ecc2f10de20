package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCanonicalForms(t *testing.T) {
	cases := []struct {
		name string
		v    Value
		want string
	}{
		{"integral float", Float(5), "5"},
		{"fraction", Float(5.25), "5.25"},
		{"int", Int(42), "42"},
		{"bool", Bool(true), "true"},
		{"date", Date(time.Date(2024, 3, 9, 22, 15, 0, 0, time.UTC)), "2024-03-09"},
		{"point", PointAt(-75.1652, 39.9526), "POINT (-75.1652 39.9526)"},
		{"multichoice sorted", MultiChoice("oak", "ash", "oak"), `["ash","oak"]`},
		{"choice", Choice("good"), "good"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.v.Canonical()
			if got == nil || *got != tc.want {
				t.Fatalf("canonical: got %v want %q", got, tc.want)
			}
		})
	}
	if Null().Canonical() != nil {
		t.Fatalf("null must have no canonical form")
	}
}

func TestIntAndIntegralFloatCompareEqual(t *testing.T) {
	if !Int(5).Equal(Float(5.0)) {
		t.Fatalf("expected 5 and 5.0 to be the same audit value")
	}
	if Float(5).Equal(Float(5.5)) {
		t.Fatalf("expected 5 and 5.5 to differ")
	}
	if Null().Equal(String("")) {
		t.Fatalf("null and empty string must differ")
	}
}

func TestCoerce(t *testing.T) {
	v, err := Float(12).Coerce(TypeInt)
	if err != nil || v.Kind() != KindInt || v.Int() != 12 {
		t.Fatalf("float->int: %v %v", v, err)
	}
	if _, err := Float(12.5).Coerce(TypeInt); err == nil {
		t.Fatalf("expected fractional float to be rejected for int")
	}
	d, err := String("2023-06-01").Coerce(TypeDate)
	if err != nil || d.Kind() != KindDate {
		t.Fatalf("string->date: %v %v", d, err)
	}
	p, err := String("point(1.5 2)").Coerce(TypePoint)
	if err != nil || p.Point() != (Point{X: 1.5, Y: 2}) {
		t.Fatalf("string->point: %v %v", p, err)
	}
	m, err := String(`["b","a"]`).Coerce(TypeMultiChoice)
	if err != nil || *m.Canonical() != `["a","b"]` {
		t.Fatalf("string->multichoice: %v %v", m, err)
	}
	if _, err := Bool(true).Coerce(TypeFloat); err == nil {
		t.Fatalf("expected bool->float to fail")
	}
	n, err := Null().Coerce(TypePoint)
	if err != nil || !n.IsNull() {
		t.Fatalf("null must coerce to null: %v %v", n, err)
	}
}

func TestParseCanonicalReversesCanonical(t *testing.T) {
	values := map[FieldType]Value{
		TypeFloat:       Float(3.75),
		TypeInt:         Int(-9),
		TypeDate:        Date(time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)),
		TypePoint:       PointAt(1, 2),
		TypeMultiChoice: MultiChoice("x", "y"),
		TypeBool:        Bool(false),
	}
	for typ, v := range values {
		got, err := ParseCanonical(typ, v.Canonical())
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if !got.Equal(v) {
			t.Fatalf("%s: got %s want %s", typ, got, v)
		}
	}
}

func TestValueJSON(t *testing.T) {
	var values map[string]Value
	if err := json.Unmarshal([]byte(`{"a":5,"b":"x","c":null,"d":["q","p"],"e":true}`), &values); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if values["a"].Kind() != KindFloat || values["b"].Kind() != KindString || !values["c"].IsNull() {
		t.Fatalf("unexpected kinds: %+v", values)
	}
	if values["d"].Kind() != KindMultiChoice || !values["e"].Bool() {
		t.Fatalf("unexpected kinds: %+v", values)
	}
	if _, err := FromNative(map[string]any{"x": 1}); err == nil {
		t.Fatalf("expected objects to be rejected")
	}
}

func TestCollectionModelNames(t *testing.T) {
	kind := CollectionModel(17)
	if kind != "udf:17" {
		t.Fatalf("unexpected collection model %q", kind)
	}
	id, ok := ParseCollectionModel(kind)
	if !ok || id != 17 {
		t.Fatalf("parse collection model: %d %v", id, ok)
	}
	if _, ok := ParseCollectionModel("udf:abc"); ok {
		t.Fatalf("expected non-numeric collection model to be rejected")
	}
	if err := ValidateModelKind("Shrub"); !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("expected invalid model, got %v", err)
	}
	refs := ChildrenOf(ModelPlot)
	if len(refs) != 1 || refs[0] != (FieldRef{Model: ModelTree, Field: "plot"}) {
		t.Fatalf("unexpected plot children: %+v", refs)
	}
}

func TestNotFoundErrorMatchesSentinel(t *testing.T) {
	err := NotFound("record", 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound match")
	}
	verr := NewValidationError()
	if verr.ErrOrNil() != nil {
		t.Fatalf("empty validation error must be nil")
	}
	verr.Add("width", "must be >= 0")
	var target *ValidationError
	if !errors.As(verr.ErrOrNil(), &target) || len(target.Fields["width"]) != 1 {
		t.Fatalf("unexpected validation error %v", verr)
	}
}
