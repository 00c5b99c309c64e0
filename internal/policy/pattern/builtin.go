package pattern

import (
	"sort"
	"strings"
)

// BuiltinClasses groups operations so a rule can name many of them at once,
// e.g. "@destructive:/tmp/**".
var BuiltinClasses = map[string][]string{
	// Operations that always need a human unless a deny/allow rule decides first.
	"critical": {
		"recursive_delete",
	},

	// Operations that remove or overwrite data.
	"destructive": {
		"file_write",
		"file_delete",
		"recursive_delete",
		"database_write",
	},

	// Operations that only observe state.
	"readonly": {
		"file_read",
		"directory_list",
		"database_read",
	},

	// Operations that run or reach outside the process.
	"external": {
		"command_execute",
		"network_request",
	},

	"sensitive": {
		"sensitive_path_access",
	},
}

// ExpandClass returns the operations for a class name (with or without @ prefix).
func ExpandClass(name string) ([]string, bool) {
	name = strings.ToLower(strings.TrimPrefix(name, "@"))

	ops, ok := BuiltinClasses[name]
	if !ok {
		return nil, false
	}

	result := make([]string, len(ops))
	copy(result, ops)
	return result, true
}

// IsBuiltinClass checks if a class name (with or without @ prefix) is a built-in class.
func IsBuiltinClass(name string) bool {
	_, ok := BuiltinClasses[strings.ToLower(strings.TrimPrefix(name, "@"))]
	return ok
}

// ClassNames returns the built-in class names, sorted alphabetically.
func ClassNames() []string {
	names := make([]string, 0, len(BuiltinClasses))
	for name := range BuiltinClasses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExpandRule rewrites "@class:target" into one "operation:target" rule per class member.
// Rules without a class prefix, or naming an unknown class, are returned unchanged.
func ExpandRule(rule string) []string {
	if !strings.HasPrefix(rule, "@") {
		return []string{rule}
	}
	class, target, found := strings.Cut(rule, ":")
	ops, ok := ExpandClass(class)
	if !ok {
		return []string{rule}
	}
	if !found {
		target = "**"
	}
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op+":"+target)
	}
	return out
}
