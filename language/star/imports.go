package star

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	importRe     = regexp.MustCompile(`^import\s+([A-Za-z_]\w*)(?:\s+as\s+([A-Za-z_]\w*))?\s*(#.*)?$`)
	fromImportRe = regexp.MustCompile(`^from\s+([A-Za-z_]\w*)\s+import\s+([^#]+?)\s*(#.*)?$`)
	importNameRe = regexp.MustCompile(`^([A-Za-z_]\w*)(?:\s+as\s+([A-Za-z_]\w*))?$`)
)

// rewriteImports turns top-level Python import statements into Starlark
// load statements, one line for one line so positions in errors stay
// accurate. Lines it does not understand are left for the parser to reject.
func rewriteImports(src string) string {
	lines := strings.Split(src, "\n")
	for n, line := range lines {
		if rewritten, ok := rewriteImport(strings.TrimRight(line, "\r")); ok {
			lines[n] = rewritten
		}
	}
	return strings.Join(lines, "\n")
}

func rewriteImport(line string) (string, bool) {
	if m := importRe.FindStringSubmatch(line); m != nil {
		module, alias := m[1], m[2]
		if alias == "" {
			alias = module
		}
		return fmt.Sprintf("load(%q, %s=%q)", module, alias, module), true
	}
	if m := fromImportRe.FindStringSubmatch(line); m != nil {
		names := strings.Trim(m[2], "() ")
		var args []string
		for _, item := range strings.Split(names, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			nm := importNameRe.FindStringSubmatch(item)
			if nm == nil {
				return "", false
			}
			if nm[2] != "" {
				args = append(args, fmt.Sprintf("%s=%q", nm[2], nm[1]))
			} else {
				args = append(args, fmt.Sprintf("%q", nm[1]))
			}
		}
		if len(args) == 0 {
			return "", false
		}
		return fmt.Sprintf("load(%q, %s)", m[1], strings.Join(args, ", ")), true
	}
	return "", false
}
