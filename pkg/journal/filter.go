package journal

import (
	"fmt"
	"sort"
	"strings"
)

// validEventNames mirrors EventFilterValidator::Valid exactly.
var validEventNames = map[string]struct{}{
	"create_process": {},
	"create_thread":  {},
	"exit_process":   {},
	"exit_thread":    {},
	"breakpoint":     {},
	"exception":      {},
	"load_dll":       {},
	"unload_dll":     {},
	"rip":            {},
	"debug":          {},
}

// EventFilter is the set of event names a JournalReader dispatches;
// an empty (nil) filter dispatches everything, matching "no filter given".
type EventFilter map[string]struct{}

// ValidateFilter checks every name against the fixed vocabulary, grounded on
// EventFilterValidator::operator()'s func lambda.
func ValidateFilter(names []string) (EventFilter, error) {
	f := make(EventFilter, len(names))
	for _, n := range names {
		if _, ok := validEventNames[n]; !ok {
			return nil, fmt.Errorf("invalid event specified: %s (valid: %s)", n, ValidEventNamesJoined())
		}
		f[n] = struct{}{}
	}
	return f, nil
}

// ValidEventNamesJoined mirrors EventFilterValidator::GetValid.
func ValidEventNamesJoined() string {
	names := make([]string, 0, len(validEventNames))
	for n := range validEventNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// allows reports whether name passes the filter (an empty filter allows
// everything).
func (f EventFilter) allows(name string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[name]
	return ok
}
