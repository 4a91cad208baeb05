package permission

import (
	"context"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
)

// DefaultModel matches reviewer, "kind/id" and action. Objects accept keyMatch
// wildcards ("article/*"), "*" matches any reviewer or action, and reviewers
// inherit policies through g role assignments.
const DefaultModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub) || p.sub == "*") && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

// Enforcer checks rating actions against a casbin policy.
type Enforcer struct {
	e *casbin.SyncedEnforcer
}

var _ rating.PermissionChecker = (*Enforcer)(nil)

// NewEnforcer builds an Enforcer with DefaultModel and the given "p" policies,
// each {subject, object, action}.
func NewEnforcer(policies ...[]string) (*Enforcer, error) {
	m, err := model.NewModelFromString(DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("parse permission model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	for _, p := range policies {
		if _, err := e.AddPolicy(toArgs(p)...); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	return &Enforcer{e: e}, nil
}

// NewEnforcerFromFiles loads a CSV policy file. An empty modelPath selects
// DefaultModel.
func NewEnforcerFromFiles(modelPath, policyPath string) (*Enforcer, error) {
	var (
		m   model.Model
		err error
	)
	if modelPath == "" {
		m, err = model.NewModelFromString(DefaultModel)
	} else {
		m, err = model.NewModelFromFile(modelPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load permission model: %w", err)
	}

	e, err := casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	if err != nil {
		return nil, fmt.Errorf("load permission policy %s: %w", policyPath, err)
	}
	return &Enforcer{e: e}, nil
}

// AddRole assigns role to reviewer.
func (p *Enforcer) AddRole(reviewer, role string) error {
	_, err := p.e.AddGroupingPolicy(reviewer, role)
	return err
}

func (p *Enforcer) CanAdd(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return p.enforce(reviewer, resource, domain.ActionAdd)
}

func (p *Enforcer) CanChange(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return p.enforce(reviewer, resource, domain.ActionChange)
}

func (p *Enforcer) CanRemove(ctx context.Context, reviewer string, resource domain.ResourceRef) (bool, error) {
	return p.enforce(reviewer, resource, domain.ActionRemove)
}

func (p *Enforcer) enforce(reviewer string, resource domain.ResourceRef, action domain.Action) (bool, error) {
	ok, err := p.e.Enforce(reviewer, resource.String(), string(action))
	if err != nil {
		return false, fmt.Errorf("enforce %s on %s: %w", action, resource, err)
	}
	return ok, nil
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
