package domain

import "time"

// UDFDatatype describes a scalar UDF (Type, Choices) or a collection UDF (Fields).
type UDFDatatype struct {
	Type    FieldType     `json:"type,omitempty"`
	Choices []string      `json:"choices,omitempty"`
	Fields  []UDFSubfield `json:"fields,omitempty"`
}

type UDFSubfield struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Choices []string  `json:"choices,omitempty"`
}

type UDFDefinition struct {
	ID           int64       `json:"id"`
	InstanceID   int64       `json:"instance_id"`
	Model        ModelKind   `json:"model_type"`
	Name         string      `json:"name"`
	Datatype     UDFDatatype `json:"datatype"`
	IsCollection bool        `json:"iscollection"`
	CreatedAt    time.Time   `json:"created_at"`
}

// FieldName is the key the UDF occupies on its owner model.
func (d UDFDefinition) FieldName() string {
	return UDFFieldName(d.Name)
}

func (d UDFDefinition) CollectionModel() ModelKind {
	return CollectionModel(d.ID)
}

// FieldSpecs returns the fields this UDF contributes: one scalar field
// on the owner model, or the subfields of a collection row.
func (d UDFDefinition) FieldSpecs() []FieldSpec {
	if !d.IsCollection {
		return []FieldSpec{{Name: d.FieldName(), Type: d.Datatype.Type, Choices: cloneStrings(d.Datatype.Choices)}}
	}
	out := make([]FieldSpec, 0, len(d.Datatype.Fields))
	for _, f := range d.Datatype.Fields {
		out = append(out, FieldSpec{Name: f.Name, Type: f.Type, Choices: cloneStrings(f.Choices)})
	}
	return out
}

// Subfield returns the datatype entry holding choices for field. The empty
// name addresses a scalar UDF.
func (d *UDFDefinition) Subfield(name string) (*FieldType, *[]string, bool) {
	if !d.IsCollection {
		if name != "" && name != d.Name && name != d.FieldName() {
			return nil, nil, false
		}
		return &d.Datatype.Type, &d.Datatype.Choices, true
	}
	for i := range d.Datatype.Fields {
		if d.Datatype.Fields[i].Name == name {
			return &d.Datatype.Fields[i].Type, &d.Datatype.Fields[i].Choices, true
		}
	}
	return nil, nil, false
}

func (d UDFDefinition) Clone() UDFDefinition {
	out := d
	out.Datatype.Choices = cloneStrings(d.Datatype.Choices)
	if d.Datatype.Fields != nil {
		out.Datatype.Fields = make([]UDFSubfield, len(d.Datatype.Fields))
		for i, f := range d.Datatype.Fields {
			f.Choices = cloneStrings(f.Choices)
			out.Datatype.Fields[i] = f
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
