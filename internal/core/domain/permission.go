package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PermissionLevel int

const (
	Invisible    PermissionLevel = 0
	ReadOnly     PermissionLevel = 1
	PendingWrite PermissionLevel = 2
	FullWrite    PermissionLevel = 3
)

func (l PermissionLevel) String() string {
	switch l {
	case Invisible:
		return "invisible"
	case ReadOnly:
		return "read_only"
	case PendingWrite:
		return "pending_write"
	case FullWrite:
		return "full_write"
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

func (l PermissionLevel) Valid() bool {
	return l >= Invisible && l <= FullWrite
}

func (l PermissionLevel) CanRead() bool { return l >= ReadOnly }

func (l PermissionLevel) CanWrite() bool { return l >= PendingWrite }

func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "invisible", "0":
		return Invisible, nil
	case "read_only", "readonly", "1":
		return ReadOnly, nil
	case "pending_write", "pending", "2":
		return PendingWrite, nil
	case "full_write", "write", "3":
		return FullWrite, nil
	}
	return Invisible, fmt.Errorf("invalid permission level %q", s)
}

// AnonymousUserID is the caller id used for unauthenticated reads.
const AnonymousUserID int64 = 0

type Instance struct {
	ID                int64             `json:"id"`
	Name              string            `json:"name"`
	DefaultRoleID     int64             `json:"default_role_id"`
	AdjunctsTimestamp int64             `json:"adjuncts_timestamp"`
	Features          map[string]string `json:"features,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

type Role struct {
	ID                  int64           `json:"id"`
	InstanceID          int64           `json:"instance_id"`
	Name                string          `json:"name"`
	DefaultLevel        PermissionLevel `json:"default_permission"`
	ReputationThreshold int             `json:"reputation_threshold"`
}

type FieldPermission struct {
	ID         int64           `json:"id"`
	InstanceID int64           `json:"instance_id"`
	RoleID     int64           `json:"role_id"`
	Model      ModelKind       `json:"model"`
	Field      string          `json:"field"`
	Level      PermissionLevel `json:"permission_level"`
}

type InstanceUser struct {
	InstanceID int64 `json:"instance_id"`
	UserID     int64 `json:"user_id"`
	RoleID     int64 `json:"role_id"`
	Admin      bool  `json:"admin"`
	Reputation int   `json:"reputation"`
}

// Adjuncts is the per-instance configuration mirrored by the adjunct cache.
type Adjuncts struct {
	Timestamp        int64
	Roles            []Role
	FieldPermissions []FieldPermission
	UDFs             []UDFDefinition
}
