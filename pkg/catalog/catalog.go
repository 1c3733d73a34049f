// Package catalog is the immutable table of every device-management method
// the sandbox may invoke. It is the single source of truth for which names
// exist, how each call is classified, which capability gates it, whether it
// needs human approval, and how the adapter caches and invalidates it.
//
// Helper utilities (pagination, date math, chunking) are deliberately not
// catalog entries; they are pure functions exposed alongside the proxy and
// never mediated.
package catalog

import "time"

// Classification is the kind of side effect an operation has.
type Classification string

const (
	// Read never mutates server state.
	Read Classification = "read"
	// Write mutates configuration (create/update/delete of policies,
	// scripts, groups, profiles, packages).
	Write Classification = "write"
	// Command causes an effect on a managed device (execute, deploy,
	// send MDM command, inventory refresh, erase, lock).
	Command Classification = "command"
)

// Dialect identifies one of the two REST styles the adapter targets.
type Dialect string

const (
	// DialectClassic is the form-encoded, XML-on-write, filter-client-side API.
	DialectClassic Dialect = "classic"
	// DialectModern is the JSON, server-side-filtering, paged API.
	DialectModern Dialect = "modern"
)

// Entry describes one mediated method.
type Entry struct {
	Name           string
	Classification Classification
	// Capability is the grant required to invoke the method, of the form
	// "<verb>:<category>". A wildcard "<verb>:*" grant also satisfies it.
	Capability string
	Category   string
	// NeedsApproval marks operations with destructive or fleet-wide side
	// effects; in apply mode these require a valid approval token.
	NeedsApproval bool
	// Guard is an optional CEL expression over the argument tuple (bound
	// to "args"). A false result denies the call before any budget is
	// spent.
	Guard string
	// CacheTTL, when positive, makes the adapter cache successful results
	// under a structured key for that long.
	CacheTTL time.Duration
	// Invalidates lists cache key prefixes removed after the operation
	// succeeds. The placeholder {0} is substituted with the first argument.
	Invalidates []string
	// Preferred is the dialect the adapter tries first.
	Preferred Dialect
}

const defaultReadTTL = 60 * time.Second

func read(name, category string, preferred Dialect) Entry {
	return Entry{
		Name:           name,
		Classification: Read,
		Capability:     "read:" + category,
		Category:       category,
		CacheTTL:       defaultReadTTL,
		Preferred:      preferred,
	}
}

func write(name, category string, preferred Dialect, invalidates ...string) Entry {
	return Entry{
		Name:           name,
		Classification: Write,
		Capability:     "write:" + category,
		Category:       category,
		Invalidates:    invalidates,
		Preferred:      preferred,
	}
}

func command(name, category string, preferred Dialect, invalidates ...string) Entry {
	return Entry{
		Name:           name,
		Classification: Command,
		Capability:     "command:" + category,
		Category:       category,
		NeedsApproval:  true,
		Invalidates:    invalidates,
		Preferred:      preferred,
	}
}

func approved(e Entry) Entry { e.NeedsApproval = true; return e }

func guarded(e Entry, expr string) Entry { e.Guard = expr; return e }

// entries enumerates the full mediated surface, fixed at build time.
var entries = []Entry{
	// Computers.
	read("getAllComputers", "computers", DialectModern),
	read("getComputerDetails", "computers", DialectModern),
	read("searchComputers", "computers", DialectModern),
	read("getComputerHistory", "computers", DialectClassic),
	read("getComputerApplications", "computers", DialectClassic),
	write("updateComputerExtensionAttribute", "computers", DialectClassic,
		"getComputerDetails:{0}", "getAllComputers"),
	approved(write("deleteComputer", "computers", DialectClassic,
		"getAllComputers", "getComputerDetails:{0}", "searchComputers")),
	command("updateInventory", "computers", DialectModern,
		"getComputerDetails:{0}", "getAllComputers", "searchComputers"),

	// Mobile devices.
	read("getAllMobileDevices", "mobiledevices", DialectModern),
	read("getMobileDeviceDetails", "mobiledevices", DialectModern),
	read("searchMobileDevices", "mobiledevices", DialectModern),
	approved(write("deleteMobileDevice", "mobiledevices", DialectClassic,
		"getAllMobileDevices", "getMobileDeviceDetails:{0}", "searchMobileDevices")),

	// Policies.
	read("listPolicies", "policies", DialectClassic),
	read("getPolicyDetails", "policies", DialectClassic),
	read("searchPolicies", "policies", DialectClassic),
	write("createPolicy", "policies", DialectClassic, "listPolicies", "searchPolicies"),
	write("updatePolicy", "policies", DialectClassic,
		"listPolicies", "searchPolicies", "getPolicyDetails:{0}"),
	approved(write("deletePolicy", "policies", DialectClassic,
		"listPolicies", "searchPolicies", "getPolicyDetails:{0}")),
	command("executePolicy", "policies", DialectModern, "getPolicyDetails:{0}"),

	// Scripts.
	read("listScripts", "scripts", DialectModern),
	read("getScriptDetails", "scripts", DialectModern),
	write("createScript", "scripts", DialectModern, "listScripts"),
	write("updateScript", "scripts", DialectModern, "listScripts", "getScriptDetails:{0}"),
	approved(write("deleteScript", "scripts", DialectModern,
		"listScripts", "getScriptDetails:{0}")),
	guarded(command("deployScript", "scripts", DialectModern, "getScriptDetails:{0}"),
		`size(args) < 2 || type(args[1]) != list || size(args[1]) <= 100`),

	// Groups.
	read("listComputerGroups", "groups", DialectClassic),
	read("getComputerGroupDetails", "groups", DialectClassic),
	write("createStaticComputerGroup", "groups", DialectClassic, "listComputerGroups"),
	write("createSmartComputerGroup", "groups", DialectClassic, "listComputerGroups"),
	write("updateComputerGroup", "groups", DialectClassic,
		"listComputerGroups", "getComputerGroupDetails:{0}"),
	approved(write("deleteComputerGroup", "groups", DialectClassic,
		"listComputerGroups", "getComputerGroupDetails:{0}")),

	// Configuration profiles.
	read("listConfigurationProfiles", "profiles", DialectModern),
	read("getConfigurationProfileDetails", "profiles", DialectModern),
	write("createConfigurationProfile", "profiles", DialectClassic, "listConfigurationProfiles"),
	write("updateConfigurationProfile", "profiles", DialectClassic,
		"listConfigurationProfiles", "getConfigurationProfileDetails:{0}"),
	approved(write("deleteConfigurationProfile", "profiles", DialectClassic,
		"listConfigurationProfiles", "getConfigurationProfileDetails:{0}")),
	command("deployConfigurationProfile", "profiles", DialectModern,
		"getConfigurationProfileDetails:{0}"),
	command("removeConfigurationProfile", "profiles", DialectModern,
		"getConfigurationProfileDetails:{0}"),

	// Packages.
	read("listPackages", "packages", DialectModern),
	read("getPackageDetails", "packages", DialectModern),
	write("createPackage", "packages", DialectModern, "listPackages"),
	write("updatePackage", "packages", DialectModern, "listPackages", "getPackageDetails:{0}"),
	approved(write("deletePackage", "packages", DialectModern,
		"listPackages", "getPackageDetails:{0}")),

	// Device commands.
	guarded(command("sendMDMCommand", "commands", DialectModern,
		"getComputerDetails:{0}"),
		`size(args) < 2 || type(args[1]) != list || size(args[1]) <= 50`),
	command("lockDevice", "commands", DialectModern,
		"getComputerDetails:{0}", "getAllComputers", "searchComputers"),
	command("eraseDevice", "commands", DialectModern,
		"getComputerDetails:{0}", "getAllComputers", "searchComputers"),
	command("restartDevice", "commands", DialectModern,
		"getComputerDetails:{0}", "getAllComputers", "searchComputers"),
	command("clearPasscode", "commands", DialectModern, "getMobileDeviceDetails:{0}"),
	command("flushCommands", "commands", DialectClassic, "getComputerDetails:{0}"),
}

var byName = func() map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}()

// Lookup returns the entry for a method name. Names outside the catalog are
// invisible through the proxy.
func Lookup(name string) (Entry, bool) {
	e, ok := byName[name]
	return e, ok
}

// Entries returns all catalog entries in declaration order.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Methods returns every mediated method name in declaration order.
func Methods() []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}
