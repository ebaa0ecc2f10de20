package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// ParseMode accepts enforce, shadow or disabled. Disabling needs an explicit
// unsafe opt-in.
func ParseMode(raw string, allowDisabled bool) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if !allowDisabled {
			return "", errors.New("authz: mode disabled requires the unsafe opt-in")
		}
		return ModeDisabled, nil
	default:
		return "", errors.New("authz: invalid mode (expected enforce|shadow|disabled)")
	}
}

// modelText is RBAC with instance domains; "*" in a policy matches anything.
const modelText = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.dom == "*" || r.dom == p.dom) && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

// DefaultPolicies lets instance admins moderate and manage UDFs and permissions
// everywhere. Members get nothing.
func DefaultPolicies() [][]string {
	return [][]string{
		{"admin", "*", "moderation", "resolve"},
		{"admin", "*", "udf", "manage"},
		{"admin", "*", "permissions", "manage"},
	}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
	log      *zap.Logger
}

// NewAuthorizer loads policies from policyPath (casbin CSV) or, when it is
// empty, from DefaultPolicies.
func NewAuthorizer(policyPath string, mode Mode, log *zap.Logger) (*Authorizer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("authz model: %w", err)
	}
	var enforcer *casbin.Enforcer
	if policyPath != "" {
		enforcer, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("authz enforcer: %w", err)
	}
	if policyPath == "" {
		if _, err := enforcer.AddPolicies(DefaultPolicies()); err != nil {
			return nil, fmt.Errorf("authz default policies: %w", err)
		}
	}
	return &Authorizer{enforcer: enforcer, mode: mode, log: log}, nil
}

// Authorize implements ports.ActionAuthorizer. In shadow mode denials are
// logged and allowed.
func (a *Authorizer) Authorize(subject, dom, object, action string) (bool, error) {
	switch a.mode {
	case ModeDisabled:
		return true, nil
	case ModeShadow:
		ok, err := a.enforcer.Enforce(subject, dom, object, action)
		if err != nil {
			return false, err
		}
		if !ok {
			a.log.Warn("authz shadow deny",
				zap.String("subject", subject),
				zap.String("domain", dom),
				zap.String("object", object),
				zap.String("action", action))
		}
		return true, nil
	case ModeEnforce:
		return a.enforcer.Enforce(subject, dom, object, action)
	default:
		return false, errors.New("authz: unknown mode")
	}
}
