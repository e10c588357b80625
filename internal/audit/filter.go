package audit

import "strings"

// Filter selects which methods a sink records. Config tokens: exact method
// names, "all", and "<class>.all" which expands to every method of that
// class. The effective set is (include with expansions) minus (exclude with
// expansions).
type Filter struct {
	includeAll     bool
	include        map[string]bool
	includeClasses map[string]bool
	excludeAll     bool
	exclude        map[string]bool
	excludeClasses map[string]bool
}

// NewFilter builds a filter from include/exclude token lists. Empty include
// means include everything.
func NewFilter(include, exclude []string) *Filter {
	f := &Filter{
		include:        make(map[string]bool),
		includeClasses: make(map[string]bool),
		exclude:        make(map[string]bool),
		excludeClasses: make(map[string]bool),
	}
	if len(include) == 0 {
		f.includeAll = true
	}
	parse(include, &f.includeAll, f.include, f.includeClasses)
	parse(exclude, &f.excludeAll, f.exclude, f.excludeClasses)
	return f
}

func parse(tokens []string, all *bool, exact, classes map[string]bool) {
	for _, tok := range tokens {
		switch {
		case tok == "all":
			*all = true
		case strings.HasSuffix(tok, ".all"):
			classes[strings.TrimSuffix(tok, ".all")] = true
		default:
			exact[tok] = true
		}
	}
}

// IsAudited reports whether the given dotted method name passes the filter.
func (f *Filter) IsAudited(method string) bool {
	class, _, _ := strings.Cut(method, ".")
	included := f.includeAll || f.include[method] || f.includeClasses[class]
	excluded := f.excludeAll || f.exclude[method] || f.excludeClasses[class]
	return included && !excluded
}
