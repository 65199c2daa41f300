package browser

import "strings"

// Resolve maps a human-readable target to an element ref in snap.
//
// An exact ref match wins. Otherwise the first element, in snapshot order,
// whose name, label or value contains target (case-insensitively) is chosen,
// then the first whose text does. An empty target never matches.
func Resolve(target string, snap *Snapshot) (string, bool) {
	if snap == nil || target == "" {
		return "", false
	}
	if _, ok := snap.index[target]; ok {
		return target, true
	}

	needle := strings.ToLower(target)
	contains := func(field string) bool {
		return field != "" && strings.Contains(strings.ToLower(field), needle)
	}

	for _, el := range snap.elements {
		d := el.Descriptor
		if contains(d.Name) || contains(d.Label) || contains(d.Value) {
			return el.Ref, true
		}
	}
	for _, el := range snap.elements {
		if contains(el.Descriptor.Text) {
			return el.Ref, true
		}
	}
	return "", false
}
