package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/pkg/acl"
	"github.com/gantrylabs/gantry/pkg/ratelimit"
	"github.com/gantrylabs/gantry/pkg/scanner"
	"github.com/gantrylabs/gantry/pkg/store"
)

// Rule is one pure policy predicate. Evaluate never mutates state: the
// engine owns ordering, side effects, and the audit record.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) (*RuleResult, error)
}

// RuleResult is a rule's verdict. Reason is human-readable and ends up in
// the decision's conditions when the rule passes with a caveat.
type RuleResult struct {
	Allowed bool
	Reason  string
}

func allow(reason string) *RuleResult { return &RuleResult{Allowed: true, Reason: reason} }
func deny(reason string) *RuleResult  { return &RuleResult{Allowed: false, Reason: reason} }

// verbPermissions reduces action verbs to the project permission they
// demand. Dotted actions keep their last segment ("document.read" →
// "read"). Verbs outside the table gate on themselves, so only the
// wildcard grants them; that keeps regression.approve admin-only.
var verbPermissions = map[string]string{
	"read":        acl.PermissionRead,
	"get":         acl.PermissionRead,
	"list":        acl.PermissionRead,
	"view":        acl.PermissionRead,
	"query":       acl.PermissionRead,
	"write":       acl.PermissionWrite,
	"create":      acl.PermissionWrite,
	"update":      acl.PermissionWrite,
	"delete":      acl.PermissionWrite,
	"acknowledge": acl.PermissionWrite,
	"execute":     acl.PermissionExecute,
	"run":         acl.PermissionExecute,
	"scan":        acl.PermissionExecute,
	"evaluate":    acl.PermissionExecute,
	"link":        acl.PermissionExecute,
	"process":     acl.PermissionExecute,
	"export":      acl.PermissionExport,
}

// PermissionFor maps an action to the permission RoleBasedRule checks.
func PermissionFor(action string) string {
	verb := action
	if i := strings.LastIndex(action, "."); i >= 0 {
		verb = action[i+1:]
	}
	if p, ok := verbPermissions[verb]; ok {
		return p
	}
	if strings.HasPrefix(verb, "hydrate") {
		return acl.PermissionExecute
	}
	return verb
}

// RoleBasedRule allows an action when the principal's global role expands
// to a permission set containing the action's permission or the wildcard.
type RoleBasedRule struct {
	principals *store.PrincipalRepo
}

func NewRoleBasedRule(principals *store.PrincipalRepo) *RoleBasedRule {
	return &RoleBasedRule{principals: principals}
}

func (r *RoleBasedRule) Name() string { return "role_based" }

func (r *RoleBasedRule) Evaluate(ctx context.Context, req *Request) (*RuleResult, error) {
	p, err := r.principals.GetByID(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("role rule: %w", err)
	}
	need := PermissionFor(req.Action)
	for _, perm := range acl.RolePermissions(p.Role) {
		if perm == acl.PermissionAll || perm == need {
			return allow(fmt.Sprintf("role %s permits %s", p.Role, req.Action)), nil
		}
	}
	return deny(fmt.Sprintf("role %s does not permit %s", p.Role, req.Action)), nil
}

// ProjectAccessRule denies when the request names a project the principal
// has no live grant on, unless the principal's global role bypasses
// project scoping.
type ProjectAccessRule struct {
	acls       *store.ACLRepo
	principals *store.PrincipalRepo
}

func NewProjectAccessRule(acls *store.ACLRepo, principals *store.PrincipalRepo) *ProjectAccessRule {
	return &ProjectAccessRule{acls: acls, principals: principals}
}

func (r *ProjectAccessRule) Name() string { return "project_access" }

func (r *ProjectAccessRule) Evaluate(ctx context.Context, req *Request) (*RuleResult, error) {
	projectID, ok := req.ProjectID()
	if !ok {
		return allow("no project scope"), nil
	}

	entry, err := r.acls.Get(ctx, req.PrincipalID, projectID)
	if err != nil {
		return nil, fmt.Errorf("project rule: %w", err)
	}
	if entry != nil {
		return allow(fmt.Sprintf("acl grant on project %d", projectID)), nil
	}

	p, err := r.principals.GetByID(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("project rule: %w", err)
	}
	if p.Role == store.RoleAdmin || p.Role == store.RoleDirector {
		return allow(fmt.Sprintf("role %s spans all projects", p.Role)), nil
	}
	return deny(fmt.Sprintf("no access to project %d", projectID)), nil
}

// Classification levels, least to most sensitive.
var classificationLevels = map[string]int{
	"public":       0,
	"internal":     1,
	"confidential": 2,
	"restricted":   3,
}

// roleClearance maps global roles to the highest classification they may
// touch. Unknown roles clear nothing beyond public.
var roleClearance = map[string]int{
	store.RoleAdmin:         3,
	store.RoleDirector:      3,
	store.RoleSafetyOfficer: 2,
	store.RoleEngineer:      2,
	store.RoleCommercial:    1,
	store.RoleViewer:        1,
}

// DataClassificationRule allows when the principal's clearance covers the
// resource classification from context (default internal).
type DataClassificationRule struct {
	principals *store.PrincipalRepo
}

func NewDataClassificationRule(principals *store.PrincipalRepo) *DataClassificationRule {
	return &DataClassificationRule{principals: principals}
}

func (r *DataClassificationRule) Name() string { return "data_classification" }

func (r *DataClassificationRule) Evaluate(ctx context.Context, req *Request) (*RuleResult, error) {
	classification := "internal"
	if c, ok := req.Context["classification"].(string); ok && c != "" {
		classification = c
	}
	required, ok := classificationLevels[classification]
	if !ok {
		return deny(fmt.Sprintf("unknown classification %q", classification)), nil
	}

	p, err := r.principals.GetByID(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("classification rule: %w", err)
	}
	if roleClearance[p.Role] >= required {
		return allow(fmt.Sprintf("clearance covers %s", classification)), nil
	}
	return deny(fmt.Sprintf("role %s lacks clearance for %s data", p.Role, classification)), nil
}

// TimeBasedRule restricts actions to configured hours and weekdays in a
// configured zone. A zero-value rule allows everything.
type TimeBasedRule struct {
	StartHour int
	EndHour   int
	Weekdays  map[time.Weekday]bool
	Location  *time.Location

	now func() time.Time
}

// NewTimeBasedRule parses the policy rules payload: start_hour, end_hour
// (end exclusive, 0/0 means unrestricted), weekdays (lowercase names),
// timezone (IANA name, default UTC).
func NewTimeBasedRule(rules map[string]interface{}) (*TimeBasedRule, error) {
	r := &TimeBasedRule{Location: time.UTC, now: time.Now}

	if v, ok := rules["start_hour"]; ok {
		r.StartHour = intValue(v)
	}
	if v, ok := rules["end_hour"]; ok {
		r.EndHour = intValue(v)
	}
	if r.StartHour < 0 || r.StartHour > 23 || r.EndHour < 0 || r.EndHour > 24 {
		return nil, fmt.Errorf("temporal policy: hours out of range (%d-%d)", r.StartHour, r.EndHour)
	}

	if v, ok := rules["timezone"].(string); ok && v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			return nil, fmt.Errorf("temporal policy: %w", err)
		}
		r.Location = loc
	}

	if raw, ok := rules["weekdays"].([]interface{}); ok && len(raw) > 0 {
		r.Weekdays = make(map[time.Weekday]bool, len(raw))
		for _, item := range raw {
			name, _ := item.(string)
			day, err := parseWeekday(name)
			if err != nil {
				return nil, fmt.Errorf("temporal policy: %w", err)
			}
			r.Weekdays[day] = true
		}
	}
	return r, nil
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func parseWeekday(name string) (time.Weekday, error) {
	if day, ok := weekdayNames[strings.ToLower(name)]; ok {
		return day, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func (r *TimeBasedRule) Name() string { return "time_based" }

func (r *TimeBasedRule) Evaluate(_ context.Context, _ *Request) (*RuleResult, error) {
	nowFn := r.now
	if nowFn == nil {
		nowFn = time.Now
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := nowFn().In(loc)

	if r.Weekdays != nil && !r.Weekdays[local.Weekday()] {
		return deny(fmt.Sprintf("not permitted on %s", local.Weekday())), nil
	}
	if r.StartHour == 0 && r.EndHour == 0 {
		return allow("no hour restriction"), nil
	}
	h := local.Hour()
	inWindow := false
	if r.StartHour <= r.EndHour {
		inWindow = h >= r.StartHour && h < r.EndHour
	} else {
		// Overnight window such as 22-6.
		inWindow = h >= r.StartHour || h < r.EndHour
	}
	if !inWindow {
		return deny(fmt.Sprintf("outside allowed hours %02d:00-%02d:00 %s", r.StartHour, r.EndHour, loc)), nil
	}
	return allow("within allowed hours"), nil
}

// GeofenceRule prefix-matches the request IP against allow and block
// lists. A blocked prefix wins; a non-empty allow list requires a match;
// a request without an IP passes.
type GeofenceRule struct {
	AllowPrefixes []string
	BlockPrefixes []string
}

// NewGeofenceRule parses allow_prefixes and block_prefixes lists.
func NewGeofenceRule(rules map[string]interface{}) *GeofenceRule {
	return &GeofenceRule{
		AllowPrefixes: stringSlice(rules["allow_prefixes"]),
		BlockPrefixes: stringSlice(rules["block_prefixes"]),
	}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (r *GeofenceRule) Name() string { return "geofence" }

func (r *GeofenceRule) Evaluate(_ context.Context, req *Request) (*RuleResult, error) {
	ip, _ := req.Context["ip_address"].(string)
	if ip == "" {
		return allow("no client ip"), nil
	}
	for _, prefix := range r.BlockPrefixes {
		if strings.HasPrefix(ip, prefix) {
			return deny(fmt.Sprintf("ip %s blocked by prefix %s", ip, prefix)), nil
		}
	}
	if len(r.AllowPrefixes) > 0 {
		for _, prefix := range r.AllowPrefixes {
			if strings.HasPrefix(ip, prefix) {
				return allow("ip within allowed range"), nil
			}
		}
		return deny(fmt.Sprintf("ip %s outside allowed ranges", ip)), nil
	}
	return allow("geofence open"), nil
}

// RateLimitRule exposes the limiter inside a policy chain. It only checks:
// the engine's rate step owns the single increment per evaluation.
type RateLimitRule struct {
	limiter *ratelimit.Limiter
}

func NewRateLimitRule(limiter *ratelimit.Limiter) *RateLimitRule {
	return &RateLimitRule{limiter: limiter}
}

func (r *RateLimitRule) Name() string { return "rate_limit" }

func (r *RateLimitRule) Evaluate(ctx context.Context, req *Request) (*RuleResult, error) {
	status, err := r.limiter.Check(ctx, req.PrincipalID, req.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("rate rule: %w", err)
	}
	if !status.Allowed {
		return deny(fmt.Sprintf("rate limit exceeded for %s", status.Endpoint)), nil
	}
	return allow(fmt.Sprintf("%d of %d requests remaining", status.Remaining, status.Limit)), nil
}

// ContentProhibitionRule scans context content and denies on high or
// critical findings. Requests without content pass.
type ContentProhibitionRule struct {
	scanner *scanner.Scanner
}

func NewContentProhibitionRule(s *scanner.Scanner) *ContentProhibitionRule {
	return &ContentProhibitionRule{scanner: s}
}

func (r *ContentProhibitionRule) Name() string { return "content_prohibition" }

func (r *ContentProhibitionRule) Evaluate(ctx context.Context, req *Request) (*RuleResult, error) {
	content, ok := req.Context["content"].(string)
	if !ok || content == "" {
		return allow("no content to scan"), nil
	}
	result := r.scanner.Scan(ctx, content)
	if result.Severity == scanner.SeverityHigh || result.Severity == scanner.SeverityCritical {
		return deny(fmt.Sprintf("prohibited content: severity=%s", result.Severity)), nil
	}
	return allow("content clean"), nil
}
