package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is the verdict of one static check. It is never mutated after
// Check returns.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Language      Language `json:"language"`
	Rule          string   `json:"rule,omitempty"`
	Reason        string   `json:"reason"`
	PolicyVersion string   `json:"policy_version"`
}

type rule struct {
	id       string
	lang     Language
	what     string
	patterns []*regexp.Regexp
	// scan runs after patterns for checks that need the whole script.
	scan func(lines []string) (string, bool)
}

const pyShellCalls = `system|popen|exec[lv]p?e?|spawn[lv]p?e?|posix_spawnp?|fork|forkpty`

// Rules are evaluated in this order; the first match decides.
var rules = []rule{
	{
		id: "python.shell", lang: Python, what: "shell execution",
		patterns: []*regexp.Regexp{
			// Any receiver: os, an alias of it, or a module handle left in scope.
			regexp.MustCompile(`\.\s*(` + pyShellCalls + `)\s*\(`),
			regexp.MustCompile(`^\s*from\s+(os|posix|nt|pty)\s+import\s+.*(\b(` + pyShellCalls + `)\b|\*)`),
			regexp.MustCompile(`\bsubprocess\.\w+`),
			regexp.MustCompile(`\bpty\.spawn\s*\(`),
			regexp.MustCompile(`\bcommands\.getoutput\s*\(`),
		},
		scan: osHandleMisuse,
	},
	{
		id: "python.network", lang: Python, what: "network access",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bsocket\.(socket|create_connection)\s*\(`),
			regexp.MustCompile(`\burllib\.request\b`),
			regexp.MustCompile(`\burlopen\s*\(`),
			regexp.MustCompile(`\brequests\.(get|post|put|delete|patch|head|request|Session)\b`),
			regexp.MustCompile(`\bhttp\.client\.\w+`),
			regexp.MustCompile(`(?i)\bread_(csv|json|html|excel|parquet)\s*\(\s*["']https?://`),
		},
	},
	{
		id: "python.eval", lang: Python, what: "dynamic evaluation",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(^|[^.\w])(eval|exec|compile)\s*\(`),
			regexp.MustCompile(`\b__import__\s*\(`),
			regexp.MustCompile(`\bimportlib\.import_module\s*\(`),
		},
	},
	{id: "python.import", lang: Python, what: "import outside the allow-list"},
	{
		id: "r.shell", lang: R, what: "shell execution",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(^|[^.\w])(system|system2|shell|pipe)\s*\(`),
			regexp.MustCompile(`\bprocessx::`),
			regexp.MustCompile(`\bsys::exec_\w+`),
		},
	},
	{
		id: "r.network", lang: R, what: "network access",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(^|[^.\w])(url|socketConnection|download\.file)\s*\(`),
			regexp.MustCompile(`\b(httr|curl|RCurl|httr2)::`),
			regexp.MustCompile(`(?i)\bread\.(csv|table|delim)\s*\(\s*["']https?://`),
		},
	},
	{
		id: "r.eval", lang: R, what: "dynamic evaluation",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(^|[^.\w])(eval|evalq)\s*\(`),
			regexp.MustCompile(`\bparse\s*\(\s*text\s*=`),
			regexp.MustCompile(`\bsource\s*\(`),
		},
	},
	{id: "r.import", lang: R, what: "package outside the allow-list"},
}

var ruleIndex = func() map[string]int {
	m := make(map[string]int, len(rules))
	for i, r := range rules {
		m[r.id] = i
	}
	return m
}()

// RuleIDs returns every rule id in evaluation order.
func RuleIDs() []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.id)
	}
	return out
}

var (
	rePyImport     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	rePyFromImport = regexp.MustCompile(`^\s*from\s+(\S+)\s+import\b`)
	reRLibrary     = regexp.MustCompile(`\b(?:library|require|requireNamespace|loadNamespace)\s*\(\s*["']?([A-Za-z][\w.]*)`)
	reRNamespace   = regexp.MustCompile(`(?:^|[^\w.])([A-Za-z][\w.]*):::?`)
)

// Check scans code for disallowed constructs. Code is never executed here.
func (p Policy) Check(lang Language, code string) Decision {
	d := Decision{Language: lang, PolicyVersion: p.PolicyVersion()}
	if lang != Python && lang != R {
		d.Rule = "language"
		d.Reason = fmt.Sprintf("unsupported language %q", lang)
		return d
	}
	lines := codeLines(code)

	for _, r := range rules {
		if r.lang != lang || p.ruleDisabled(r.id) {
			continue
		}
		if strings.HasSuffix(r.id, ".import") {
			if pkg, ok := p.firstDisallowedImport(lang, lines); ok {
				d.Rule = r.id
				d.Reason = fmt.Sprintf("import of %q is not in the allow-list", pkg)
				return d
			}
			continue
		}
		for _, pat := range r.patterns {
			for _, line := range lines {
				if m := pat.FindString(line); m != "" {
					d.Rule = r.id
					d.Reason = fmt.Sprintf("%s is not allowed: %s", r.what, strings.TrimSpace(m))
					return d
				}
			}
		}
		if r.scan != nil {
			if m, found := r.scan(lines); found {
				d.Rule = r.id
				d.Reason = fmt.Sprintf("%s is not allowed: %s", r.what, strings.TrimSpace(m))
				return d
			}
		}
	}
	d.Allowed = true
	d.Reason = "no disallowed constructs"
	return d
}

// codeLines drops blank and whole-line comment lines.
func codeLines(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func (p Policy) firstDisallowedImport(lang Language, lines []string) (string, bool) {
	allow := p.forLanguage(lang).AllowImports
	for _, pkg := range importsOf(lang, lines) {
		if !importAllowed(pkg, allow) {
			return pkg, true
		}
	}
	return "", false
}

// importsOf lists imported package names in source order.
func importsOf(lang Language, lines []string) []string {
	var pkgs []string
	for _, line := range lines {
		switch lang {
		case Python:
			if m := rePyFromImport.FindStringSubmatch(line); m != nil {
				pkgs = append(pkgs, m[1])
				continue
			}
			if m := rePyImport.FindStringSubmatch(line); m != nil {
				for _, part := range strings.Split(m[1], ",") {
					name := strings.TrimSpace(part)
					if i := strings.Index(name, " as "); i >= 0 {
						name = strings.TrimSpace(name[:i])
					}
					if name != "" {
						pkgs = append(pkgs, name)
					}
				}
			}
		case R:
			for _, m := range reRLibrary.FindAllStringSubmatch(line, -1) {
				pkgs = append(pkgs, m[1])
			}
			for _, m := range reRNamespace.FindAllStringSubmatch(line, -1) {
				pkgs = append(pkgs, m[1])
			}
		}
	}
	return pkgs
}

func importAllowed(pkg string, allow []string) bool {
	if strings.HasPrefix(pkg, ".") {
		return false
	}
	for _, a := range allow {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if pkg == a || strings.HasPrefix(pkg, a+".") {
			return true
		}
	}
	return false
}

var rePyOsAlias = regexp.MustCompile(`(?:^|,)\s*os\s+as\s+(\w+)\s*$`)

// osHandleMisuse denies reflective access to the os module under its own
// name or any alias, since attribute names built at runtime defeat the
// call patterns.
func osHandleMisuse(lines []string) (string, bool) {
	names := []string{"os"}
	for _, line := range lines {
		m := rePyImport.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		for _, part := range strings.Split(m[1], ",") {
			if a := rePyOsAlias.FindStringSubmatch(part); a != nil {
				names = append(names, a[1])
			}
		}
	}
	for _, name := range names {
		q := regexp.QuoteMeta(name)
		pats := []*regexp.Regexp{
			regexp.MustCompile(`\b(getattr|vars)\s*\(\s*` + q + `\s*[,)]`),
			regexp.MustCompile(`(^|[^\w.])` + q + `\s*\.\s*__dict__`),
		}
		for _, pat := range pats {
			for _, line := range lines {
				if m := pat.FindString(line); m != "" {
					return m, true
				}
			}
		}
	}
	return "", false
}
