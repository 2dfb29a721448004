package relay

import "sort"

// Distribute bin-packs units across sessions with a greedy
// longest-processing-time heuristic: units sorted by byte weight
// descending, each placed into the least-loaded assignment. Ties break
// by session name, then by first message id, so identical inputs yield
// identical assignments. Media groups stay whole by construction: the
// unit is the placement granularity.
//
// Each session's list is returned in source-id order, the order workers
// process it.
func Distribute(units []AtomicUnit, sessions []string) (Assignment, error) {
	if len(sessions) == 0 {
		return nil, ErrNoSessions
	}
	names := append([]string(nil), sessions...)
	sort.Strings(names)

	assignment := make(Assignment, len(names))
	loads := make(map[string]int64, len(names))
	for _, name := range names {
		assignment[name] = nil
		loads[name] = 0
	}

	ordered := append([]AtomicUnit(nil), units...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Weight() != ordered[j].Weight() {
			return ordered[i].Weight() > ordered[j].Weight()
		}
		return ordered[i].FirstID() < ordered[j].FirstID()
	})

	for _, unit := range ordered {
		target := names[0]
		for _, name := range names[1:] {
			if loads[name] < loads[target] {
				target = name
			}
		}
		assignment[target] = append(assignment[target], unit)
		loads[target] += unit.Weight()
	}

	for name := range assignment {
		units := assignment[name]
		sort.Slice(units, func(i, j int) bool {
			return units[i].FirstID() < units[j].FirstID()
		})
	}
	return assignment, nil
}
