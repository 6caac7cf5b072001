package vetter

import (
	"fmt"
	"regexp"
	"strings"
)

// staticResult separates blocking findings from advisory ones
type staticResult struct {
	critical []string
	warnings []string
}

var (
	reImport     = regexp.MustCompile(`^\s*import\s+([\w\.\s,]+)$`)
	reFromImport = regexp.MustCompile(`^\s*from\s+([\w\.]+)\s+import\s+(.+)$`)
	reNameCall   = regexp.MustCompile(`(?:^|[^\w.])(\w+)\s*\(`)
	reAttrCall   = regexp.MustCompile(`\.\s*(\w+)\s*\(`)
)

// staticScan runs the rule table over the submitted source. Unbalanced
// brackets are treated as a syntax failure and reported critical,
// mirroring a parse error; an unterminated string is not detected.
func staticScan(code string) staticResult {
	var res staticResult

	if err := checkBalance(code); err != nil {
		res.critical = append(res.critical, fmt.Sprintf("Syntax error: %v", err))
		return res
	}

	seen := make(map[string]struct{})
	record := func(list *[]string, msg string) {
		if _, dup := seen[msg]; dup {
			return
		}
		seen[msg] = struct{}{}
		*list = append(*list, msg)
	}

	for _, raw := range strings.Split(code, "\n") {
		line := stripComment(raw)
		if strings.TrimSpace(line) == "" {
			continue
		}

		if m := reFromImport.FindStringSubmatch(line); m != nil {
			module := m[1]
			for _, name := range splitNames(m[2]) {
				if banned, ok := fromImportRules[module]; ok {
					if _, hit := banned[name]; hit {
						record(&res.critical, fmt.Sprintf("Import of dangerous function: %s.%s", module, name))
						continue
					}
				}
			}
			continue
		}

		if m := reImport.FindStringSubmatch(line); m != nil {
			for _, name := range splitNames(m[1]) {
				root := strings.SplitN(name, ".", 2)[0]
				if rule, ok := importRules[root]; ok {
					record(&res.warnings, rule.Description)
				}
			}
			continue
		}

		for _, m := range reNameCall.FindAllStringSubmatch(line, -1) {
			name := m[1]
			rule, ok := callRules[name]
			if !ok {
				continue
			}
			if rule.Severity == SeverityCritical {
				record(&res.critical, fmt.Sprintf("Dangerous function: %s()", name))
			} else {
				record(&res.warnings, rule.Description)
			}
		}

		for _, m := range reAttrCall.FindAllStringSubmatch(line, -1) {
			if rule, ok := attributeCallRules[m[1]]; ok && rule.Severity == SeverityCritical {
				record(&res.critical, rule.Description)
			}
		}
	}

	return res
}

// stripComment removes a trailing # comment, respecting simple quoting
func stripComment(line string) string {
	var inStr rune
	for i, r := range line {
		switch {
		case inStr != 0:
			if r == inStr {
				inStr = 0
			}
		case r == '\'' || r == '"':
			inStr = r
		case r == '#':
			return line[:i]
		}
	}
	return line
}

// checkBalance rejects source whose brackets cannot close. Quotes are
// tracked only so that brackets inside strings are not counted; a quote
// left open at the end of the source is not reported.
func checkBalance(code string) error {
	depth := 0
	var inStr rune
	var prev rune
	for _, r := range code {
		switch {
		case inStr != 0:
			if r == inStr && prev != '\\' {
				inStr = 0
			}
		case r == '\'' || r == '"':
			inStr = r
		case r == '(' || r == '[' || r == '{':
			depth++
		case r == ')' || r == ']' || r == '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced brackets")
			}
		}
		prev = r
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced brackets")
	}
	return nil
}

func splitNames(list string) []string {
	var names []string
	for _, part := range strings.Split(list, ",") {
		name := strings.TrimSpace(part)
		// "x as y" imports x under another name; the rule applies to x
		if idx := strings.Index(name, " as "); idx > 0 {
			name = name[:idx]
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
