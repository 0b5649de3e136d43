// Package tools holds the catalog of security tool definitions advertised
// to the model during an investigation.
package tools

import (
	"github.com/posturewatch/posturewatch/internal/ai/providers"
)

// Catalog returns the full set of tool definitions the worker exposes.
// The router trims this down per finding before it reaches the model.
func Catalog() []providers.Tool {
	return []providers.Tool{
		{
			Name:        "get_entra_user_details",
			Description: "Get user profile, roles, groups, MFA methods, manager",
			InputSchema: objectSchema(map[string]interface{}{
				"userPrincipalName": prop("string", "User UPN"),
				"include": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string", "enum": []string{"profile", "roles", "groups", "mfa", "manager"}},
					"description": "What to include",
				},
			}, "userPrincipalName"),
		},
		{
			Name:        "get_entra_signin_logs",
			Description: "Get sign-in logs for a user or all users",
			InputSchema: objectSchema(map[string]interface{}{
				"userPrincipalName": prop("string", "User UPN (optional, omit for all)"),
				"lookbackDays":      prop("number", "Days to look back"),
				"top":               prop("number", "Max results"),
			}),
		},
		{
			Name:        "get_entra_audit_logs",
			Description: "Get directory audit logs",
			InputSchema: objectSchema(map[string]interface{}{
				"userPrincipalName": prop("string", ""),
				"lookbackDays":      prop("number", ""),
				"top":               prop("number", ""),
			}),
		},
		{
			Name:        "get_entra_risky_users",
			Description: "List users flagged by identity protection as risky",
			InputSchema: objectSchema(map[string]interface{}{
				"riskLevel": prop("string", "Filter by risk level: low, medium, high"),
				"top":       prop("number", "Max results"),
			}),
		},
		{
			Name:        "search_purview_audit",
			Description: "Search audit logs for file access, sharing, downloads",
			InputSchema: objectSchema(map[string]interface{}{
				"userPrincipalName": prop("string", ""),
				"operations": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
				"hoursBack": prop("number", ""),
				"top":       prop("number", ""),
			}),
		},
		{
			Name:        "get_purview_alerts",
			Description: "Get data loss prevention alerts from Purview",
			InputSchema: objectSchema(map[string]interface{}{
				"severity": prop("string", "Filter by severity"),
				"top":      prop("number", "Max results"),
			}),
		},
		{
			Name:        "get_insider_risk_alerts",
			Description: "Get insider risk management alerts",
			InputSchema: objectSchema(map[string]interface{}{
				"top": prop("number", "Max results"),
			}),
		},
		{
			Name:        "run_hunting_query",
			Description: "Run an Advanced Hunting KQL query",
			InputSchema: objectSchema(map[string]interface{}{
				"query": prop("string", "KQL query"),
			}, "query"),
		},
		{
			Name:        "get_defender_alerts",
			Description: "Get Microsoft Defender security alerts",
			InputSchema: objectSchema(map[string]interface{}{
				"severity": prop("string", "Filter by severity: informational, low, medium, high"),
				"top":      prop("number", "Max results"),
			}),
		},
		{
			Name:        "get_secure_score",
			Description: "Get the tenant's current secure score and max score",
			InputSchema: objectSchema(map[string]interface{}{}),
		},
		{
			Name:        "get_intune_devices",
			Description: "List managed devices with compliance state",
			InputSchema: objectSchema(map[string]interface{}{
				"complianceState": prop("string", "Filter: compliant, noncompliant, unknown"),
				"top":             prop("number", "Max results"),
			}),
		},
		{
			Name:        "get_intune_device_detail",
			Description: "Get detailed device info with compliance and apps",
			InputSchema: objectSchema(map[string]interface{}{
				"deviceId": prop("string", ""),
				"include": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string", "enum": []string{"compliance", "apps", "groups"}},
				},
			}, "deviceId"),
		},
		{
			Name:        "detect_privileged_user_risks",
			Description: "Scan privileged accounts for missing MFA, staleness, and excessive role assignments",
			InputSchema: objectSchema(map[string]interface{}{
				"lookbackDays": prop("number", "Sign-in staleness window"),
			}),
		},
	}
}

// Names returns the catalog tool names in declaration order.
func Names() []string {
	catalog := Catalog()
	names := make([]string, 0, len(catalog))
	for _, t := range catalog {
		names = append(names, t.Name)
	}
	return names
}

// ByName indexes the catalog for lookup when building a per-finding subset.
func ByName() map[string]providers.Tool {
	catalog := Catalog()
	byName := make(map[string]providers.Tool, len(catalog))
	for _, t := range catalog {
		byName[t.Name] = t
	}
	return byName
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}
