package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// resourceSpec describes one entity family across both dialects. The CRUD
// and search handlers are templated over these specs; only device commands
// get bespoke handlers.
type resourceSpec struct {
	singular string // classic item key and XML root, e.g. "policy"
	plural   string // classic list key, e.g. "policies"

	classicPath string // e.g. "/JSSResource/policies"
	modernPath  string // e.g. "/api/v1/policies"; empty when the dialect has no equivalent

	// advancedSearchPath enables the saved-search third fallback for this
	// resource's search operation.
	advancedSearchPath string
	advancedListKey    string
}

var (
	computersSpec = resourceSpec{
		singular:           "computer",
		plural:             "computers",
		classicPath:        "/JSSResource/computers",
		modernPath:         "/api/v1/computers-inventory",
		advancedSearchPath: "/JSSResource/advancedcomputersearches",
		advancedListKey:    "advanced_computer_searches",
	}
	mobileDevicesSpec = resourceSpec{
		singular:           "mobile_device",
		plural:             "mobile_devices",
		classicPath:        "/JSSResource/mobiledevices",
		modernPath:         "/api/v2/mobile-devices",
		advancedSearchPath: "/JSSResource/advancedmobiledevicesearches",
		advancedListKey:    "advanced_mobile_device_searches",
	}
	policiesSpec = resourceSpec{
		singular:    "policy",
		plural:      "policies",
		classicPath: "/JSSResource/policies",
		modernPath:  "/api/v1/policies",
	}
	scriptsSpec = resourceSpec{
		singular:    "script",
		plural:      "scripts",
		classicPath: "/JSSResource/scripts",
		modernPath:  "/api/v1/scripts",
	}
	groupsSpec = resourceSpec{
		singular:    "computer_group",
		plural:      "computer_groups",
		classicPath: "/JSSResource/computergroups",
		modernPath:  "/api/v1/computer-groups",
	}
	profilesSpec = resourceSpec{
		singular:    "configuration_profile",
		plural:      "configuration_profiles",
		classicPath: "/JSSResource/osxconfigurationprofiles",
		modernPath:  "/api/v1/config-profiles",
	}
	packagesSpec = resourceSpec{
		singular:    "package",
		plural:      "packages",
		classicPath: "/JSSResource/packages",
		modernPath:  "/api/v1/packages",
	}
)

// buildHandlers registers every catalogued operation. Missing registrations
// are a construction-time failure so the catalog and adapter cannot drift.
func (c *Client) buildHandlers() error {
	regs := []struct {
		name string
		atts []attempt
	}{
		// Computers.
		{"getAllComputers", c.listAttempts("getAllComputers", computersSpec)},
		{"getComputerDetails", c.getAttempts("getComputerDetails", computersSpec)},
		{"searchComputers", c.searchAttempts("searchComputers", "getAllComputers", computersSpec)},
		{"getComputerHistory", c.subsetAttempts("getComputerHistory", computersSpec, "History")},
		{"getComputerApplications", c.subsetAttempts("getComputerApplications", computersSpec, "Applications")},
		{"updateComputerExtensionAttribute", c.extensionAttributeAttempts("updateComputerExtensionAttribute", computersSpec)},
		{"deleteComputer", c.deleteAttempts("deleteComputer", computersSpec)},

		// Mobile devices.
		{"getAllMobileDevices", c.listAttempts("getAllMobileDevices", mobileDevicesSpec)},
		{"getMobileDeviceDetails", c.getAttempts("getMobileDeviceDetails", mobileDevicesSpec)},
		{"searchMobileDevices", c.searchAttempts("searchMobileDevices", "getAllMobileDevices", mobileDevicesSpec)},
		{"deleteMobileDevice", c.deleteAttempts("deleteMobileDevice", mobileDevicesSpec)},

		// Policies.
		{"listPolicies", c.listAttempts("listPolicies", policiesSpec)},
		{"getPolicyDetails", c.getAttempts("getPolicyDetails", policiesSpec)},
		{"searchPolicies", c.searchAttempts("searchPolicies", "listPolicies", policiesSpec)},
		{"createPolicy", c.createAttempts("createPolicy", policiesSpec)},
		{"updatePolicy", c.updateAttempts("updatePolicy", policiesSpec)},
		{"deletePolicy", c.deleteAttempts("deletePolicy", policiesSpec)},

		// Scripts.
		{"listScripts", c.listAttempts("listScripts", scriptsSpec)},
		{"getScriptDetails", c.getAttempts("getScriptDetails", scriptsSpec)},
		{"createScript", c.createAttempts("createScript", scriptsSpec)},
		{"updateScript", c.updateAttempts("updateScript", scriptsSpec)},
		{"deleteScript", c.deleteAttempts("deleteScript", scriptsSpec)},

		// Groups.
		{"listComputerGroups", c.listAttempts("listComputerGroups", groupsSpec)},
		{"getComputerGroupDetails", c.getAttempts("getComputerGroupDetails", groupsSpec)},
		{"createStaticComputerGroup", c.createGroupAttempts("createStaticComputerGroup", false)},
		{"createSmartComputerGroup", c.createGroupAttempts("createSmartComputerGroup", true)},
		{"updateComputerGroup", c.updateAttempts("updateComputerGroup", groupsSpec)},
		{"deleteComputerGroup", c.deleteAttempts("deleteComputerGroup", groupsSpec)},

		// Configuration profiles.
		{"listConfigurationProfiles", c.listAttempts("listConfigurationProfiles", profilesSpec)},
		{"getConfigurationProfileDetails", c.getAttempts("getConfigurationProfileDetails", profilesSpec)},
		{"createConfigurationProfile", c.createAttempts("createConfigurationProfile", profilesSpec)},
		{"updateConfigurationProfile", c.updateAttempts("updateConfigurationProfile", profilesSpec)},
		{"deleteConfigurationProfile", c.deleteAttempts("deleteConfigurationProfile", profilesSpec)},

		// Packages.
		{"listPackages", c.listAttempts("listPackages", packagesSpec)},
		{"getPackageDetails", c.getAttempts("getPackageDetails", packagesSpec)},
		{"createPackage", c.createAttempts("createPackage", packagesSpec)},
		{"updatePackage", c.updateAttempts("updatePackage", packagesSpec)},
		{"deletePackage", c.deleteAttempts("deletePackage", packagesSpec)},

		// Device commands.
		{"executePolicy", c.executePolicyAttempts()},
		{"deployScript", c.deployScriptAttempts()},
		{"deployConfigurationProfile", c.profileCommandAttempts("deployConfigurationProfile", "deploy")},
		{"removeConfigurationProfile", c.profileCommandAttempts("removeConfigurationProfile", "remove")},
		{"sendMDMCommand", c.sendMDMCommandAttempts()},
		{"lockDevice", c.lockDeviceAttempts()},
		{"eraseDevice", c.deviceCommandAttempts("eraseDevice", "erase", "EraseDevice")},
		{"restartDevice", c.deviceCommandAttempts("restartDevice", "restart", "RestartDevice")},
		{"updateInventory", c.deviceCommandAttempts("updateInventory", "update-inventory", "UpdateInventory")},
		{"clearPasscode", c.clearPasscodeAttempts()},
		{"flushCommands", c.flushCommandsAttempts()},
	}

	for _, r := range regs {
		if err := c.register(r.name, r.atts...); err != nil {
			return err
		}
	}

	for _, m := range catalog.Methods() {
		if _, ok := c.handlers[m]; !ok {
			return fmt.Errorf("adapter: catalog method %s has no handler", m)
		}
	}
	return nil
}

// --- argument coercion ---------------------------------------------------

func argString(op string, args []any, i int) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", &APIError{Operation: op, Category: CategoryValidation,
			Message: fmt.Sprintf("argument %d is required", i)}
	}
	s := fmt.Sprintf("%v", args[i])
	if s == "" {
		return "", &APIError{Operation: op, Category: CategoryValidation,
			Message: fmt.Sprintf("argument %d must not be empty", i)}
	}
	return s, nil
}

func argMap(op string, args []any, i int) (map[string]any, error) {
	if i >= len(args) {
		return nil, &APIError{Operation: op, Category: CategoryValidation,
			Message: fmt.Sprintf("argument %d is required", i)}
	}
	m, ok := args[i].(map[string]any)
	if !ok {
		return nil, &APIError{Operation: op, Category: CategoryValidation,
			Message: fmt.Sprintf("argument %d must be an object", i)}
	}
	return m, nil
}

func optArgStrings(args []any, i int) []string {
	if i >= len(args) {
		return nil
	}
	items, ok := args[i].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprintf("%v", it))
	}
	return out
}

func optArgInt(args []any, i int, fallback int) int {
	if i >= len(args) {
		return fallback
	}
	switch v := args[i].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

// --- templated CRUD attempts ---------------------------------------------

// listAttempts serves list operations. The optional first argument limits
// the number of returned items.
func (c *Client) listAttempts(op string, spec resourceSpec) []attempt {
	atts := []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			m, err := c.classicJSON(ctx, op, http.MethodGet, spec.classicPath)
			if err != nil {
				return nil, err
			}
			return limitItems(normalizeClassicList(m, spec.plural), optArgInt(args, 0, 0)), nil
		},
	}}
	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				limit := optArgInt(args, 0, 0)
				q := url.Values{"page": {"0"}}
				if limit > 0 {
					q.Set("page-size", fmt.Sprintf("%d", limit))
				} else {
					q.Set("page-size", "200")
				}
				m, err := c.modernJSON(ctx, op, http.MethodGet, spec.modernPath, q, nil)
				if err != nil {
					return nil, err
				}
				return limitItems(normalizeModernList(m), limit), nil
			},
		})
	}
	return atts
}

func (c *Client) getAttempts(op string, spec resourceSpec) []attempt {
	atts := []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			m, err := c.classicJSON(ctx, op, http.MethodGet, spec.classicPath+"/id/"+url.PathEscape(id))
			if err != nil {
				return nil, err
			}
			return unwrapClassicItem(m, spec.singular), nil
		},
	}}
	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				m, err := c.modernJSON(ctx, op, http.MethodGet, spec.modernPath+"/"+url.PathEscape(id), nil, nil)
				if err != nil {
					return nil, err
				}
				return normalizeItem(m), nil
			},
		})
	}
	return atts
}

func (c *Client) createAttempts(op string, spec resourceSpec) []attempt {
	atts := []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			data, err := argMap(op, args, 0)
			if err != nil {
				return nil, err
			}
			return c.classicXML(ctx, op, http.MethodPost, spec.classicPath+"/id/0", spec.singular, data)
		},
	}}
	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				data, err := argMap(op, args, 0)
				if err != nil {
					return nil, err
				}
				return c.modernJSON(ctx, op, http.MethodPost, spec.modernPath, nil, data)
			},
		})
	}
	return atts
}

func (c *Client) updateAttempts(op string, spec resourceSpec) []attempt {
	atts := []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			data, err := argMap(op, args, 1)
			if err != nil {
				return nil, err
			}
			return c.classicXML(ctx, op, http.MethodPut, spec.classicPath+"/id/"+url.PathEscape(id), spec.singular, data)
		},
	}}
	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				data, err := argMap(op, args, 1)
				if err != nil {
					return nil, err
				}
				return c.modernJSON(ctx, op, http.MethodPut, spec.modernPath+"/"+url.PathEscape(id), nil, data)
			},
		})
	}
	return atts
}

func (c *Client) deleteAttempts(op string, spec resourceSpec) []attempt {
	atts := []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			return c.classicJSON(ctx, op, http.MethodDelete, spec.classicPath+"/id/"+url.PathEscape(id))
		},
	}}
	if spec.modernPath != "" {
		atts = append(atts, attempt{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				id, err := argString(op, args, 0)
				if err != nil {
					return nil, err
				}
				return c.modernJSON(ctx, op, http.MethodDelete, spec.modernPath+"/"+url.PathEscape(id), nil, nil)
			},
		})
	}
	return atts
}

// subsetAttempts serves classic-only section reads like history and
// installed applications.
func (c *Client) subsetAttempts(op string, spec resourceSpec, subset string) []attempt {
	return []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			path := spec.classicPath + "/id/" + url.PathEscape(id) + "/subset/" + subset
			m, err := c.classicJSON(ctx, op, http.MethodGet, path)
			if err != nil {
				return nil, err
			}
			return unwrapClassicItem(m, spec.singular), nil
		},
	}}
}

// extensionAttributeAttempts updates one extension attribute on a computer
// record; classic-only write.
func (c *Client) extensionAttributeAttempts(op string, spec resourceSpec) []attempt {
	return []attempt{{
		dialect: catalog.DialectClassic,
		run: func(ctx context.Context, args []any) (any, error) {
			id, err := argString(op, args, 0)
			if err != nil {
				return nil, err
			}
			name, err := argString(op, args, 1)
			if err != nil {
				return nil, err
			}
			value := ""
			if len(args) > 2 && args[2] != nil {
				value = fmt.Sprintf("%v", args[2])
			}
			data := map[string]any{
				"extension_attributes": []any{
					map[string]any{"name": name, "value": value},
				},
			}
			return c.classicXML(ctx, op, http.MethodPut, spec.classicPath+"/id/"+url.PathEscape(id), spec.singular, data)
		},
	}}
}

// createGroupAttempts creates a computer group; smart groups carry criteria,
// static groups carry member assignments.
func (c *Client) createGroupAttempts(op string, smart bool) []attempt {
	spec := groupsSpec
	return []attempt{
		{
			dialect: catalog.DialectClassic,
			run: func(ctx context.Context, args []any) (any, error) {
				data, err := argMap(op, args, 0)
				if err != nil {
					return nil, err
				}
				payload := map[string]any{"is_smart": smart}
				for k, v := range data {
					payload[k] = v
				}
				return c.classicXML(ctx, op, http.MethodPost, spec.classicPath+"/id/0", spec.singular, payload)
			},
		},
		{
			dialect: catalog.DialectModern,
			run: func(ctx context.Context, args []any) (any, error) {
				data, err := argMap(op, args, 0)
				if err != nil {
					return nil, err
				}
				payload := map[string]any{"smart": smart}
				for k, v := range data {
					payload[k] = v
				}
				return c.modernJSON(ctx, op, http.MethodPost, spec.modernPath, nil, payload)
			},
		},
	}
}

func limitItems(items []any, limit int) []any {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func filterByName(items []any, query string) []any {
	q := strings.ToLower(query)
	out := make([]any, 0, len(items))
	for _, it := range items {
		if strings.Contains(strings.ToLower(itemName(it)), q) {
			out = append(out, it)
		}
	}
	return out
}
