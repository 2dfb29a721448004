package relay

// GroupMessages folds a flat, id-ordered message list into AtomicUnits,
// preserving source order. Consecutive messages sharing a non-empty
// group id fold into one group unit; a boundary is declared when the
// group id changes or the service's album cap is reached. Everything
// else emits a singleton.
func GroupMessages(messages []Message) []AtomicUnit {
	units := make([]AtomicUnit, 0, len(messages))
	var current *AtomicUnit
	for _, m := range messages {
		if m.GroupID == "" {
			current = nil
			units = append(units, AtomicUnit{Messages: []Message{m}})
			continue
		}
		if current != nil && current.GroupID == m.GroupID && len(current.Messages) < GroupCap {
			current.Messages = append(current.Messages, m)
			continue
		}
		units = append(units, AtomicUnit{GroupID: m.GroupID, Messages: []Message{m}})
		current = &units[len(units)-1]
	}
	return units
}
