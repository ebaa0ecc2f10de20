package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidModel = errors.New("invalid model")

type ModelKind string

const (
	ModelPlot     ModelKind = "Plot"
	ModelTree     ModelKind = "Tree"
	ModelBioswale ModelKind = "Bioswale"
)

const (
	// FieldID names the whole-record entry in the change log.
	FieldID = "id"
	// UDFPrefix marks scalar user-defined fields on a native model.
	UDFPrefix = "udf:"
)

type FieldSpec struct {
	Name       string
	Type       FieldType
	Choices    []string
	Required   bool
	Min        *float64
	References ModelKind
}

type ModelSpec struct {
	Kind     ModelKind
	Fields   []FieldSpec
	Editable bool
	// Parent names the foreign key whose target must be live before a
	// pending row of this model can be approved.
	Parent string
}

func (m ModelSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func nonNegative() *float64 {
	v := 0.0
	return &v
}

var registry = map[ModelKind]ModelSpec{
	ModelPlot: {
		Kind:     ModelPlot,
		Editable: true,
		Fields: []FieldSpec{
			{Name: FieldID, Type: TypeInt},
			{Name: "geom", Type: TypePoint, Required: true},
			{Name: "width", Type: TypeFloat, Min: nonNegative()},
			{Name: "length", Type: TypeFloat, Min: nonNegative()},
			{Name: "address_street", Type: TypeString},
			{Name: "address_city", Type: TypeString},
			{Name: "address_zip", Type: TypeString},
			{Name: "owner_orig_id", Type: TypeString},
		},
	},
	ModelTree: {
		Kind:     ModelTree,
		Editable: true,
		Parent:   "plot",
		Fields: []FieldSpec{
			{Name: FieldID, Type: TypeInt},
			{Name: "plot", Type: TypeForeignKey, Required: true, References: ModelPlot},
			{Name: "species", Type: TypeString},
			{Name: "diameter", Type: TypeFloat, Min: nonNegative()},
			{Name: "height", Type: TypeFloat, Min: nonNegative()},
			{Name: "canopy_height", Type: TypeFloat, Min: nonNegative()},
			{Name: "date_planted", Type: TypeDate},
			{Name: "date_removed", Type: TypeDate},
			{Name: "readonly", Type: TypeBool},
		},
	},
	ModelBioswale: {
		Kind:     ModelBioswale,
		Editable: true,
		Fields: []FieldSpec{
			{Name: FieldID, Type: TypeInt},
			{Name: "geom", Type: TypePoint, Required: true},
			{Name: "drainage_area", Type: TypeFloat, Min: nonNegative()},
			{Name: "address_street", Type: TypeString},
		},
	},
}

func LookupModel(kind ModelKind) (ModelSpec, bool) {
	spec, ok := registry[kind]
	return spec, ok
}

func ModelKinds() []ModelKind {
	out := make([]ModelKind, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChildrenOf lists the (model, field) pairs holding foreign keys to kind.
func ChildrenOf(kind ModelKind) []FieldRef {
	var out []FieldRef
	for _, k := range ModelKinds() {
		for _, f := range registry[k].Fields {
			if f.Type == TypeForeignKey && f.References == kind {
				out = append(out, FieldRef{Model: k, Field: f.Name})
			}
		}
	}
	return out
}

type FieldRef struct {
	Model ModelKind
	Field string
}

// ValidateModelKind accepts native models and collection UDF models.
func ValidateModelKind(kind ModelKind) error {
	if _, ok := registry[kind]; ok {
		return nil
	}
	if _, ok := ParseCollectionModel(kind); ok {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidModel, kind)
}

func UDFFieldName(name string) string {
	return UDFPrefix + name
}

func IsUDFField(field string) (string, bool) {
	if !strings.HasPrefix(field, UDFPrefix) {
		return "", false
	}
	return strings.TrimPrefix(field, UDFPrefix), true
}

// CollectionModel is the model name of rows stored for a collection UDF.
func CollectionModel(defID int64) ModelKind {
	return ModelKind(UDFPrefix + strconv.FormatInt(defID, 10))
}

func ParseCollectionModel(kind ModelKind) (int64, bool) {
	rest, ok := IsUDFField(string(kind))
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
