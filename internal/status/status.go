// Package status is the single source of truth for report status values,
// actor roles, and the transition authorization policy. Authorization is a
// pure function of (acting user, current status, requested status); nothing
// here touches storage or request state.
package status

import "fmt"

// Status is a report lifecycle state.
type Status string

const (
	Open       Status = "open"
	InProgress Status = "in_progress"
	DoQC       Status = "do_qc"
	Resolved   Status = "resolved"
	StillIssue Status = "still_issue"
	WontFix    Status = "wont_fix"
)

var labels = map[Status]string{
	Open:       "Open",
	InProgress: "In Progress",
	DoQC:       "Do QC",
	Resolved:   "Resolved",
	StillIssue: "Still Issue",
	WontFix:    "Won't Fix",
}

// Label returns the user-facing name for a status.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// Role is an actor's job function. Admin is a separate flag on the actor,
// not a role.
type Role string

const (
	RoleDeveloper   Role = "developer"
	RoleRNDeveloper Role = "react_native_developer"
	RoleTester      Role = "tester"
	RolePM          Role = "project_manager"
	RoleCTO         Role = "cto"
	RoleConsultant  Role = "consultant"
	RoleOther       Role = "other"
)

// CanonicalRole folds the QA aliases onto RoleTester and maps anything
// unrecognized to RoleOther.
func CanonicalRole(raw string) Role {
	switch Role(raw) {
	case RoleDeveloper, RoleRNDeveloper, RoleTester, RolePM, RoleCTO, RoleConsultant:
		return Role(raw)
	}
	switch raw {
	case "qa", "quality_assurance":
		return RoleTester
	}
	return RoleOther
}

// InvalidStatusError reports a requested status outside the active enum.
type InvalidStatusError struct {
	Value string
}

func (e InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q", e.Value)
}

// ForbiddenError reports a transition the policy denied. Message is the
// user-facing reason and is part of the observable contract.
type ForbiddenError struct {
	Message string
}

func (e ForbiddenError) Error() string { return e.Message }

type transition struct {
	From Status
	To   Status
}

// rule is one row of the policy table: who may perform the transition and
// what to tell everyone else.
type rule struct {
	roles map[Role]bool
	deny  string
}

func roleSet(roles ...Role) map[Role]bool {
	set := make(map[Role]bool, len(roles))
	for _, r := range roles {
		set[r] = true
	}
	return set
}

var (
	devPM   = []Role{RoleDeveloper, RoleRNDeveloper, RolePM, RoleCTO}
	qaDevPM = []Role{RoleTester, RoleDeveloper, RoleRNDeveloper, RolePM, RoleCTO}
	pmOnly  = []Role{RolePM, RoleCTO}
)

const (
	denyDevPMInProgress   = "Only Developer, PM, or CTO can change status to In Progress"
	denyDevPMDoQC         = "Only Developer, PM, or CTO can change status to Do QC"
	denyDevPMResolved     = "Only Developer, PM, or CTO can change status to Resolved"
	denyQADevPMResolved   = "Only QA, Developer, PM, or CTO can change status to Resolved"
	denyQADevPMStillIssue = "Only QA, Developer, PM, or CTO can change status to Still Issue"
	denyQADevPMInProgress = "Only QA, Developer, PM, or CTO can change status to In Progress"
	denyPMReopen          = "Only PM or CTO can reopen a resolved report"
	denyPMWontFix         = "Only PM or CTO can change status to Won't Fix"
)

// Policy is an immutable transition/authorization table. Build one with
// NewPolicy; the extended QC states are a construction option, not a fork.
type Policy struct {
	enabled map[Status]bool
	rules   map[transition]rule
}

// NewPolicy builds the policy table. With extended=false only the minimal
// open -> in_progress -> resolved workflow (plus the PM reopen) exists and
// the QC states are unknown statuses.
func NewPolicy(extended bool) Policy {
	p := Policy{
		enabled: map[Status]bool{Open: true, InProgress: true, Resolved: true},
		rules:   map[transition]rule{},
	}
	p.add(Open, InProgress, devPM, denyDevPMInProgress)
	p.add(InProgress, Resolved, devPM, denyDevPMResolved)
	p.add(Resolved, InProgress, pmOnly, denyPMReopen)
	if !extended {
		return p
	}
	p.enabled[DoQC] = true
	p.enabled[StillIssue] = true
	p.enabled[WontFix] = true
	p.add(InProgress, DoQC, devPM, denyDevPMDoQC)
	p.add(DoQC, Resolved, qaDevPM, denyQADevPMResolved)
	p.add(DoQC, StillIssue, qaDevPM, denyQADevPMStillIssue)
	p.add(DoQC, InProgress, qaDevPM, denyQADevPMInProgress)
	p.add(StillIssue, InProgress, devPM, denyDevPMInProgress)
	for _, from := range []Status{Open, InProgress, DoQC, StillIssue} {
		p.add(from, WontFix, pmOnly, denyPMWontFix)
	}
	return p
}

func (p Policy) add(from, to Status, roles []Role, deny string) {
	p.rules[transition{from, to}] = rule{roles: roleSet(roles...), deny: deny}
}

// Known reports whether s is a member of the active status enum.
func (p Policy) Known(s Status) bool {
	return p.enabled[s]
}

// Statuses returns the active enum in lifecycle order.
func (p Policy) Statuses() []Status {
	all := []Status{Open, InProgress, DoQC, Resolved, StillIssue, WontFix}
	out := make([]Status, 0, len(all))
	for _, s := range all {
		if p.enabled[s] {
			out = append(out, s)
		}
	}
	return out
}

// Authorize decides whether actor may move a report from current to
// requested. The admin flag bypasses the table entirely and is checked
// before it; a (from, to) pair with no table row is denied for every role,
// including from == to.
func Authorize(p Policy, actorRole string, admin bool, current, requested Status) error {
	if !p.Known(requested) {
		return InvalidStatusError{Value: string(requested)}
	}
	if admin {
		return nil
	}
	r, ok := p.rules[transition{current, requested}]
	if !ok {
		return ForbiddenError{Message: fmt.Sprintf("status cannot change from %s to %s", current.Label(), requested.Label())}
	}
	if !r.roles[CanonicalRole(actorRole)] {
		return ForbiddenError{Message: r.deny}
	}
	return nil
}
