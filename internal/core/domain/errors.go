package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidKey      = errors.New("invalid key")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAlreadyResolved = errors.New("change already resolved")
	ErrNotPending      = errors.New("change does not await moderation")
	ErrFeatureDisabled = errors.New("feature disabled")
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._:/-]+$`)

func ValidateKey(key string) error {
	if key == "" || !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	return nil
}

type NotFoundError struct {
	Kind string
	ID   any
}

func NotFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AuthorizationError is returned when a caller's permission level does not
// cover the fields they tried to change. Nothing is written.
type AuthorizationError struct {
	InstanceID int64
	UserID     int64
	Model      ModelKind
	Fields     []string
	Op         string
}

func (e *AuthorizationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("user %d is not authorized to %s", e.UserID, e.Op)
	}
	return fmt.Sprintf("user %d is not authorized to %s %s fields [%s]", e.UserID, e.Op, e.Model, strings.Join(e.Fields, ", "))
}

type ValidationError struct {
	Fields map[string][]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string][]string)}
}

func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

func (e *ValidationError) HasErrors() bool {
	return e != nil && len(e.Fields) > 0
}

// ErrOrNil returns e as an error only when it holds messages.
func (e *ValidationError) ErrOrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], "; "))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func FieldError(field, message string) error {
	v := NewValidationError()
	v.Add(field, message)
	return v
}

// ModerationConsistencyError reports that a pending change cannot be
// applied because the data it depends on is not live.
type ModerationConsistencyError struct {
	ChangeID int64
	Reason   string
}

func (e *ModerationConsistencyError) Error() string {
	return fmt.Sprintf("change %d cannot be resolved: %s", e.ChangeID, e.Reason)
}
