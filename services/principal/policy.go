package principal

import (
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// Objects and actions checked by the HTTP surface.
const (
	ObjAssignment  = "assignment"
	ObjApplication = "application"
	ObjSkillTest   = "skilltest"
	ObjMilestone   = "milestone"
	ObjEscrow      = "escrow"
	ObjDispute     = "dispute"
	ObjReview      = "review"
	ObjPrincipal   = "principal"

	ActRead     = "read"
	ActWrite    = "write"
	ActModerate = "moderate"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && (r.act == p.act || p.act == "*")
`

var defaultPolicies = [][]string{
	{string(RoleClient), ObjAssignment, ActWrite},
	{string(RoleClient), ObjApplication, ActRead},
	{string(RoleClient), ObjApplication, ActModerate},
	{string(RoleClient), ObjSkillTest, ActRead},
	{string(RoleClient), ObjMilestone, ActWrite},
	{string(RoleClient), ObjMilestone, ActRead},
	{string(RoleClient), ObjEscrow, ActWrite},
	{string(RoleClient), ObjEscrow, ActRead},
	{string(RoleClient), ObjDispute, ActWrite},
	{string(RoleClient), ObjDispute, ActRead},
	{string(RoleClient), ObjReview, ActWrite},
	{string(RoleClient), ObjReview, ActRead},

	{string(RoleFreelancer), ObjApplication, ActWrite},
	{string(RoleFreelancer), ObjApplication, ActRead},
	{string(RoleFreelancer), ObjSkillTest, ActWrite},
	{string(RoleFreelancer), ObjSkillTest, ActRead},
	{string(RoleFreelancer), ObjMilestone, ActWrite},
	{string(RoleFreelancer), ObjMilestone, ActRead},
	{string(RoleFreelancer), ObjEscrow, ActRead},
	{string(RoleFreelancer), ObjDispute, ActWrite},
	{string(RoleFreelancer), ObjDispute, ActRead},
	{string(RoleFreelancer), ObjReview, ActWrite},
	{string(RoleFreelancer), ObjReview, ActRead},

	{string(RoleAdmin), ObjDispute, "*"},
	{string(RoleAdmin), ObjReview, "*"},
	{string(RoleAdmin), ObjEscrow, "*"},
	{string(RoleAdmin), ObjPrincipal, "*"},
}

var defaultGroupings = [][]string{
	{string(RoleAdmin), string(RoleClient)},
	{string(RoleAdmin), string(RoleFreelancer)},
}

// NewEnforcer loads the RBAC model and policy from files when both paths are set, otherwise the built-in policy.
func NewEnforcer(modelPath, policyPath string) (*casbin.Enforcer, error) {
	if modelPath != "" && policyPath != "" {
		return casbin.NewEnforcer(modelPath, policyPath)
	}

	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, err
	}
	if _, err := e.AddGroupingPolicies(defaultGroupings); err != nil {
		return nil, err
	}

	return e, nil
}
