package investigation

import (
	"strings"

	"github.com/posturewatch/posturewatch/internal/models"
)

// maxToolsPerRun caps how many tool definitions a single investigation
// advertises to the model.
const maxToolsPerRun = 8

// typeRoutes maps a finding's declared type to the tools its playbook
// needs. Order within each list matters: earlier entries survive the cap
// when a finding matches many routes.
var typeRoutes = []struct {
	findingType string
	tools       []string
}{
	{"no_mfa", []string{"get_entra_user_details", "get_entra_signin_logs"}},
	{"stale_account", []string{"get_entra_user_details", "get_entra_signin_logs", "get_entra_audit_logs"}},
	{"excessive_roles", []string{"get_entra_user_details", "get_entra_audit_logs", "detect_privileged_user_risks"}},
	{"compromised_account", []string{"get_entra_signin_logs", "get_entra_user_details", "get_entra_audit_logs", "get_entra_risky_users"}},
	{"dlp", []string{"search_purview_audit", "get_purview_alerts", "get_entra_user_details"}},
	{"noncompliant_device", []string{"get_intune_device_detail", "get_intune_devices"}},
	{"insider_risk", []string{"get_insider_risk_alerts", "search_purview_audit", "get_entra_user_details"}},
}

// keywordRoutes maps case-insensitive substrings of the finding detail to
// additional tools. Scanned in declaration order after the type table.
var keywordRoutes = []struct {
	keywords []string
	tools    []string
}{
	{[]string{"mfa", "multi-factor", "authentication method"}, []string{"get_entra_user_details", "get_entra_signin_logs"}},
	{[]string{"sign-in", "signin", "login", "logon"}, []string{"get_entra_signin_logs", "get_entra_risky_users"}},
	{[]string{"risky", "risk detection", "identity protection"}, []string{"get_entra_risky_users", "get_entra_signin_logs"}},
	{[]string{"role", "privilege", "admin"}, []string{"get_entra_user_details", "detect_privileged_user_risks", "get_entra_audit_logs"}},
	{[]string{"file", "share", "download", "exfiltrat", "dlp", "data loss"}, []string{"search_purview_audit", "get_purview_alerts"}},
	{[]string{"insider"}, []string{"get_insider_risk_alerts", "search_purview_audit"}},
	{[]string{"device", "intune", "compliance", "compliant"}, []string{"get_intune_devices", "get_intune_device_detail"}},
	{[]string{"defender", "malware", "threat", "alert"}, []string{"get_defender_alerts", "run_hunting_query"}},
	{[]string{"hunting", "kql", "query"}, []string{"run_hunting_query"}},
	{[]string{"score", "posture"}, []string{"get_secure_score"}},
}

// fallbackTools is the general-purpose set used when neither the type nor
// the detail text matched anything.
var fallbackTools = []string{
	"get_entra_user_details",
	"get_entra_signin_logs",
	"get_defender_alerts",
	"get_secure_score",
	"detect_privileged_user_risks",
}

// SelectTools picks the tools offered to the model for one finding. The
// candidate set is insertion-ordered so the cap always drops the same
// tools for the same input: type-table matches first, then keyword routes
// in declaration order, then the fallback set. Candidates not present in
// available are dropped silently.
func SelectTools(finding models.Finding, available []string) []string {
	candidates := newOrderedSet()

	for _, route := range typeRoutes {
		if route.findingType == finding.Type {
			candidates.addAll(route.tools)
		}
	}

	detail := strings.ToLower(finding.Detail)
	for _, route := range keywordRoutes {
		for _, kw := range route.keywords {
			if strings.Contains(detail, kw) {
				candidates.addAll(route.tools)
				break
			}
		}
	}

	if candidates.len() == 0 {
		candidates.addAll(fallbackTools)
	}

	availSet := make(map[string]bool, len(available))
	for _, name := range available {
		availSet[name] = true
	}

	selected := make([]string, 0, maxToolsPerRun)
	for _, name := range candidates.items {
		if !availSet[name] {
			continue
		}
		selected = append(selected, name)
		if len(selected) == maxToolsPerRun {
			break
		}
	}
	return selected
}

// orderedSet preserves first-insertion order, which fixes which candidates
// survive the cap.
type orderedSet struct {
	items []string
	seen  map[string]bool
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool)}
}

func (s *orderedSet) addAll(names []string) {
	for _, name := range names {
		if s.seen[name] {
			continue
		}
		s.seen[name] = true
		s.items = append(s.items, name)
	}
}

func (s *orderedSet) len() int {
	return len(s.items)
}
