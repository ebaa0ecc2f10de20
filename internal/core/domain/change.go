package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Action int

const (
	ActionInsert         Action = 1
	ActionUpdate         Action = 2
	ActionDelete         Action = 3
	ActionPendingApprove Action = 4
	ActionPendingReject  Action = 5
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	case ActionPendingApprove:
		return "pending_approve"
	case ActionPendingReject:
		return "pending_reject"
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

func (a Action) Valid() bool {
	return a >= ActionInsert && a <= ActionPendingReject
}

func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "1":
		return ActionInsert, nil
	case "update", "2":
		return ActionUpdate, nil
	case "delete", "3":
		return ActionDelete, nil
	case "pending_approve", "4":
		return ActionPendingApprove, nil
	case "pending_reject", "5":
		return ActionPendingReject, nil
	}
	return 0, fmt.Errorf("invalid action %q", s)
}

// ChangeRecord is one immutable row of the change log.
type ChangeRecord struct {
	ID           int64     `json:"id"`
	InstanceID   int64     `json:"instance_id"`
	Model        ModelKind `json:"model"`
	ModelID      int64     `json:"model_id"`
	Field        string    `json:"field"`
	Previous     *string   `json:"previous"`
	Current      *string   `json:"current"`
	UserID       int64     `json:"user_id"`
	Action       Action    `json:"action"`
	RequiresAuth bool      `json:"requires_auth"`
	RefID        *int64    `json:"ref_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AwaitsModeration reports whether c is a pending proposal rather than
// an applied change or a resolution.
func (c ChangeRecord) AwaitsModeration() bool {
	return c.RequiresAuth && c.RefID == nil
}

func (c ChangeRecord) IsResolution() bool {
	return c.RefID != nil
}

type ChangeFilter struct {
	InstanceID  int64
	Model       ModelKind
	ModelID     int64
	UserID      *int64
	Action      Action
	PendingOnly bool
	AfterID     int64
	Limit       int
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

func StringPtr(s string) *string { return &s }

func IDString(id int64) *string {
	s := strconv.FormatInt(id, 10)
	return &s
}
