package usecase

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
	"github.com/atvirokodosprendimai/treeaudit/internal/core/ports"
)

const (
	FeatureCollectionUDFs = "collection_udfs"
	FeatureBulkModeration = "bulk_moderation"
)

//go:embed schemas/udf_datatype.json
var schemaFS embed.FS

const datatypeSchemaURL = "udf_datatype.json"

var (
	datatypeOnce       sync.Once
	scalarDatatype     *santhosh.Schema
	collectionDatatype *santhosh.Schema
	datatypeErr        error
)

func datatypeSchemas() (*santhosh.Schema, *santhosh.Schema, error) {
	datatypeOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schemas/udf_datatype.json")
		if err != nil {
			datatypeErr = err
			return
		}
		compiler := santhosh.NewCompiler()
		compiler.Draft = santhosh.Draft7
		if err := compiler.AddResource(datatypeSchemaURL, bytes.NewReader(raw)); err != nil {
			datatypeErr = err
			return
		}
		if scalarDatatype, err = compiler.Compile(datatypeSchemaURL + "#/definitions/scalar"); err != nil {
			datatypeErr = err
			return
		}
		collectionDatatype, datatypeErr = compiler.Compile(datatypeSchemaURL + "#/definitions/collection")
	})
	return scalarDatatype, collectionDatatype, datatypeErr
}

// UDFService manages user-defined field definitions and validates their values.
type UDFService struct {
	store ports.Store
	cache *AdjunctCache
	perms *PermissionService
	gate  ports.FeatureGate
	now   func() time.Time

	compiled sync.Map // key: value schema document → *santhosh.Schema
}

func NewUDFService(store ports.Store, cache *AdjunctCache, perms *PermissionService, gate ports.FeatureGate) *UDFService {
	return &UDFService{
		store: store,
		cache: cache,
		perms: perms,
		gate:  gate,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Definitions lists the UDFs of one model, or of every model when model is empty.
func (s *UDFService) Definitions(ctx context.Context, instanceID int64, model domain.ModelKind) ([]domain.UDFDefinition, error) {
	if model != "" {
		if _, ok := domain.LookupModel(model); !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrInvalidModel, model)
		}
		return s.cache.UDFs(ctx, instanceID, model)
	}
	var out []domain.UDFDefinition
	for _, kind := range domain.ModelKinds() {
		defs, err := s.cache.UDFs(ctx, instanceID, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func (s *UDFService) Create(ctx context.Context, instanceID, actorID int64, model domain.ModelKind, name string, datatype domain.UDFDatatype, isCollection bool) (domain.UDFDefinition, error) {
	if err := s.perms.Require(ctx, instanceID, actorID, ObjectUDF, ActManage); err != nil {
		return domain.UDFDefinition{}, err
	}
	verr := domain.NewValidationError()
	spec, ok := domain.LookupModel(model)
	if !ok || !spec.Editable {
		verr.Add("model", fmt.Sprintf("%q does not accept user defined fields", model))
	}
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		verr.Add("name", "is required")
	case strings.Contains(name, ":"):
		verr.Add("name", "must not contain ':'")
	case len(name) > 255:
		verr.Add("name", "is too long")
	}
	for _, msg := range validateDatatype(datatype, isCollection) {
		verr.Add("datatype", msg)
	}
	if err := verr.ErrOrNil(); err != nil {
		return domain.UDFDefinition{}, err
	}
	if isCollection {
		inst, err := s.store.GetInstance(ctx, instanceID)
		if err != nil {
			return domain.UDFDefinition{}, err
		}
		if !s.gate.Enabled(ctx, inst, FeatureCollectionUDFs) {
			return domain.UDFDefinition{}, fmt.Errorf("%s: %w", FeatureCollectionUDFs, domain.ErrFeatureDisabled)
		}
	}

	def := domain.UDFDefinition{
		InstanceID:   instanceID,
		Model:        model,
		Name:         name,
		Datatype:     datatype,
		IsCollection: isCollection,
	}
	at := s.now()
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		existing, err := tx.ListUDFs(instanceID)
		if err != nil {
			return err
		}
		for _, d := range existing {
			if d.Model == model && d.Name == name {
				return fmt.Errorf("udf %s.%s: %w", model, name, domain.ErrAlreadyExists)
			}
		}
		if err := tx.InsertUDF(&def); err != nil {
			return err
		}
		roles, err := tx.ListRoles(instanceID)
		if err != nil {
			return err
		}
		for _, r := range roles {
			fp := domain.FieldPermission{InstanceID: instanceID, RoleID: r.ID, Model: model, Field: def.FieldName(), Level: domain.Invisible}
			if err := tx.UpsertFieldPermission(&fp); err != nil {
				return err
			}
		}
		ev, err := newEvent(domain.EventUDFChanged, instanceID, model, def.ID, actorID, nil, at, def)
		if err != nil {
			return err
		}
		return tx.Enqueue(ev)
	})
	if err != nil {
		return domain.UDFDefinition{}, fmt.Errorf("create udf: %w", err)
	}
	return def, nil
}

func (s *UDFService) AddChoice(ctx context.Context, instanceID, actorID, defID int64, field, choice string) (domain.UDFDefinition, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return domain.UDFDefinition{}, domain.FieldError("choice", "is required")
	}
	return s.editChoices(ctx, instanceID, actorID, defID, field, func(choices []string) ([]string, func(domain.Value) (domain.Value, bool), error) {
		if slices.Contains(choices, choice) {
			return nil, nil, domain.FieldError("choice", fmt.Sprintf("%q already exists", choice))
		}
		return append(choices, choice), nil, nil
	})
}

// UpdateChoice renames a choice and rewrites every stored value using it.
func (s *UDFService) UpdateChoice(ctx context.Context, instanceID, actorID, defID int64, field, oldChoice, newChoice string) (domain.UDFDefinition, error) {
	newChoice = strings.TrimSpace(newChoice)
	if newChoice == "" {
		return domain.UDFDefinition{}, domain.FieldError("new_choice", "is required")
	}
	return s.editChoices(ctx, instanceID, actorID, defID, field, func(choices []string) ([]string, func(domain.Value) (domain.Value, bool), error) {
		idx := slices.Index(choices, oldChoice)
		if idx < 0 {
			return nil, nil, domain.FieldError("old_choice", fmt.Sprintf("%q is not a choice", oldChoice))
		}
		if slices.Contains(choices, newChoice) {
			return nil, nil, domain.FieldError("new_choice", fmt.Sprintf("%q already exists", newChoice))
		}
		out := slices.Clone(choices)
		out[idx] = newChoice
		return out, func(v domain.Value) (domain.Value, bool) {
			return replaceChoice(v, oldChoice, &newChoice)
		}, nil
	})
}

// DeleteChoice removes a choice; stored values using it are cleared.
func (s *UDFService) DeleteChoice(ctx context.Context, instanceID, actorID, defID int64, field, choice string) (domain.UDFDefinition, error) {
	return s.editChoices(ctx, instanceID, actorID, defID, field, func(choices []string) ([]string, func(domain.Value) (domain.Value, bool), error) {
		idx := slices.Index(choices, choice)
		if idx < 0 {
			return nil, nil, domain.FieldError("choice", fmt.Sprintf("%q is not a choice", choice))
		}
		out := slices.Delete(slices.Clone(choices), idx, idx+1)
		return out, func(v domain.Value) (domain.Value, bool) {
			return replaceChoice(v, choice, nil)
		}, nil
	})
}

type choiceEdit func(choices []string) ([]string, func(domain.Value) (domain.Value, bool), error)

func (s *UDFService) editChoices(ctx context.Context, instanceID, actorID, defID int64, field string, edit choiceEdit) (domain.UDFDefinition, error) {
	if err := s.perms.Require(ctx, instanceID, actorID, ObjectUDF, ActManage); err != nil {
		return domain.UDFDefinition{}, err
	}
	var out domain.UDFDefinition
	at := s.now()
	err := s.store.Mutate(ctx, func(tx ports.MutationTx) error {
		defs, err := tx.ListUDFs(instanceID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(defs, func(d domain.UDFDefinition) bool { return d.ID == defID })
		if idx < 0 {
			return domain.NotFound("udf", defID)
		}
		def := defs[idx]
		typ, choices, ok := def.Subfield(field)
		if !ok {
			return domain.FieldError("field", fmt.Sprintf("unknown subfield %q", field))
		}
		if !typ.HasChoices() {
			return domain.FieldError("field", fmt.Sprintf("%s is not a choice field", def.Name))
		}
		next, rewrite, err := edit(*choices)
		if err != nil {
			return err
		}
		*choices = next
		if err := tx.UpdateUDF(def); err != nil {
			return err
		}
		var changes []domain.ChangeRecord
		if rewrite != nil {
			changes, err = rewriteValues(tx, def, field, actorID, at, rewrite)
			if err != nil {
				return err
			}
		}
		ev, err := newEvent(domain.EventUDFChanged, instanceID, def.Model, def.ID, actorID, changes, at, def)
		if err != nil {
			return err
		}
		out = def
		return tx.Enqueue(ev)
	})
	if err != nil {
		return domain.UDFDefinition{}, fmt.Errorf("edit choices of udf %d: %w", defID, err)
	}
	return out, nil
}

// rewriteValues applies fn to every stored value of one UDF field and logs
// an Update change for each value that changed.
func rewriteValues(tx ports.MutationTx, def domain.UDFDefinition, subfield string, actorID int64, at time.Time, fn func(domain.Value) (domain.Value, bool)) ([]domain.ChangeRecord, error) {
	model, key := def.Model, def.FieldName()
	if def.IsCollection {
		model, key = def.CollectionModel(), subfield
	}
	rows, err := tx.ListRecords(def.InstanceID, model)
	if err != nil {
		return nil, err
	}
	var changes []domain.ChangeRecord
	for _, row := range rows {
		cur := row.Values[key]
		next, changed := fn(cur)
		if !changed {
			continue
		}
		row.Set(key, next)
		if err := tx.UpdateRecord(row); err != nil {
			return nil, err
		}
		c := domain.ChangeRecord{
			InstanceID: def.InstanceID,
			Model:      model,
			ModelID:    row.ID,
			Field:      key,
			Previous:   cur.Canonical(),
			Current:    next.Canonical(),
			UserID:     actorID,
			Action:     domain.ActionUpdate,
			CreatedAt:  at,
		}
		if err := tx.AppendChange(&c); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, nil
}

// replaceChoice swaps old for repl (nil removes it) in a choice or
// multichoice value.
func replaceChoice(v domain.Value, old string, repl *string) (domain.Value, bool) {
	switch v.Kind() {
	case domain.KindString, domain.KindChoice:
		if v.Str() != old {
			return v, false
		}
		if repl == nil {
			return domain.Null(), true
		}
		return domain.Choice(*repl), true
	case domain.KindMultiChoice:
		items := v.Items()
		idx := slices.Index(items, old)
		if idx < 0 {
			return v, false
		}
		if repl == nil {
			items = slices.Delete(items, idx, idx+1)
		} else {
			items[idx] = *repl
		}
		return domain.MultiChoice(items...), true
	}
	return v, false
}

func validateDatatype(dt domain.UDFDatatype, isCollection bool) []string {
	scalar, collection, err := datatypeSchemas()
	if err != nil {
		return []string{"datatype schema unavailable: " + err.Error()}
	}
	raw, err := json.Marshal(dt)
	if err != nil {
		return []string{err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{err.Error()}
	}
	sch := scalar
	if isCollection {
		sch = collection
	}
	if err := sch.Validate(doc); err != nil {
		return validationMessages(err)
	}

	var msgs []string
	checkChoices := func(label string, t domain.FieldType, choices []string) {
		if t.HasChoices() && len(choices) == 0 {
			msgs = append(msgs, label+": choice types need at least one choice")
		}
		if !t.HasChoices() && len(choices) > 0 {
			msgs = append(msgs, label+": only choice types take choices")
		}
	}
	if !isCollection {
		checkChoices("type", dt.Type, dt.Choices)
		return msgs
	}
	seen := make(map[string]struct{}, len(dt.Fields))
	for _, f := range dt.Fields {
		if f.Name == domain.FieldID {
			msgs = append(msgs, `fields: "id" is reserved`)
		}
		if _, dup := seen[f.Name]; dup {
			msgs = append(msgs, fmt.Sprintf("fields: duplicate name %q", f.Name))
		}
		seen[f.Name] = struct{}{}
		checkChoices("fields."+f.Name, f.Type, f.Choices)
	}
	return msgs
}

// valueSchema generates the JSON Schema a single UDF value must satisfy.
func valueSchema(t domain.FieldType, choices []string) map[string]any {
	enum := make([]any, 0, len(choices))
	for _, c := range choices {
		enum = append(enum, c)
	}
	switch t {
	case domain.TypeInt:
		return map[string]any{"type": "integer"}
	case domain.TypeFloat:
		return map[string]any{"type": "number"}
	case domain.TypeDate:
		return map[string]any{"type": "string", "format": "date"}
	case domain.TypeChoice:
		return map[string]any{"type": "string", "enum": enum}
	case domain.TypeMultiChoice:
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string", "enum": enum},
			"uniqueItems": true,
		}
	}
	return map[string]any{"type": "string"}
}

// ValidateValue checks a typed UDF value against the schema generated
// from its datatype. Null always passes.
func (s *UDFService) ValidateValue(spec domain.FieldSpec, v domain.Value) []string {
	if v.IsNull() {
		return nil
	}
	schemaJSON, err := json.Marshal(valueSchema(spec.Type, spec.Choices))
	if err != nil {
		return []string{err.Error()}
	}
	sch, err := s.compiledSchema(schemaJSON)
	if err != nil {
		return []string{"compile value schema: " + err.Error()}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []string{err.Error()}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{err.Error()}
	}
	if err := sch.Validate(doc); err != nil {
		return validationMessages(err)
	}
	return nil
}

func (s *UDFService) compiledSchema(schemaJSON []byte) (*santhosh.Schema, error) {
	key := string(schemaJSON)
	if cached, ok := s.compiled.Load(key); ok {
		return cached.(*santhosh.Schema), nil
	}
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	compiler.AssertFormat = true
	if err := compiler.AddResource("value.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile("value.json")
	if err != nil {
		return nil, err
	}
	s.compiled.Store(key, sch)
	return sch, nil
}

func validationMessages(err error) []string {
	var ve *santhosh.ValidationError
	if errors.As(err, &ve) {
		return collectValidationErrors(ve)
	}
	return []string{err.Error()}
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
