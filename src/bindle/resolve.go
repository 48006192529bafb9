package bindle

// The resolver computes, for an invoice and a client-supplied selection
// context, the set of parcels a runtime must fetch. Groups activate according
// to their satisfaction rules, and selected parcels pull in further groups
// through their requires edges until a fixed point is reached.

// globalGroup is the name of the unnamed group every parcel without explicit
// membership belongs to. It is always active.
const globalGroup = ""

// FeatureClause is one conjunct of a feature filter: the parcel must declare
// the section and its value for Name must equal Value. A parcel that does not
// participate in the section does not match the clause.
type FeatureClause struct {
	Section string
	Name    string
	Value   string
}

// ResolutionContext is the client's input to resolution: optional groups to
// force-activate, individual parcels (by SHA256) to force-include or to pin a
// oneOf choice, and a feature filter.
type ResolutionContext struct {
	Groups   []string
	Parcels  []string
	Features []FeatureClause
}

// Resolution is the resolver output: the parcels to fetch, in invoice
// declaration order, and the names of the groups that were activated.
type Resolution struct {
	Parcels []Parcel
	Groups  []string
}

// Resolve computes the parcel set for an invoice under the given context.
//
// Group activation seeds with the global group and every group marked
// required. Each active group selects members per its rule: allOf takes every
// member, oneOf takes the context-pinned member or the first in declaration
// order, optional takes only context-pinned members. Selected parcels
// activate the groups they require, to a fixed point. The iteration bound is
// the node count; exceeding it reports a cycle.
func Resolve(inv *Invoice, rctx ResolutionContext) (*Resolution, error) {
	if err := validateFilter(rctx.Features); err != nil {
		return nil, err
	}
	groups := make(map[string]Group, len(inv.Group))
	for _, g := range inv.Group {
		groups[g.Name] = g
	}
	for _, name := range rctx.Groups {
		if _, ok := groups[name]; !ok {
			return nil, ErrNotFound{Type: "group", Key: name}
		}
	}
	forced := make(map[string]bool, len(rctx.Parcels))
	for _, sha := range rctx.Parcels {
		forced[sha] = true
	}

	active := map[string]bool{globalGroup: true}
	for _, g := range inv.Group {
		if g.Required {
			active[g.Name] = true
		}
	}
	for _, name := range rctx.Groups {
		active[name] = true
	}

	selected := make([]bool, len(inv.Parcel))
	matches := func(i int) bool {
		return matchesFilter(inv.Parcel[i], rctx.Features)
	}

	// Force-included parcels are selected up front, subject to existence.
	for sha := range forced {
		found := false
		for i, p := range inv.Parcel {
			if p.Label.SHA256 == sha {
				selected[i] = true
				found = true
			}
		}
		if !found {
			return nil, ErrNotFound{Type: "parcel", Key: sha}
		}
	}

	bound := len(inv.Group) + len(inv.Parcel) + 1
	for iter := 0; ; iter++ {
		if iter > bound {
			return nil, ErrCycleDetected{Node: inv.Name()}
		}
		changed := false
		for name := range active {
			for _, i := range selectMembers(inv, name, groups[name], forced, matches) {
				if !selected[i] {
					selected[i] = true
					changed = true
				}
				if c := inv.Parcel[i].Conditions; c != nil {
					for _, req := range c.Requires {
						if !active[req] {
							active[req] = true
							changed = true
						}
					}
				}
			}
		}
		if !changed {
			break
		}
	}

	res := &Resolution{}
	for i, p := range inv.Parcel {
		if selected[i] {
			res.Parcels = append(res.Parcels, p)
		}
	}
	for _, g := range inv.Group {
		if active[g.Name] {
			res.Groups = append(res.Groups, g.Name)
		}
	}
	return res, nil
}

// selectMembers returns the parcel indices an active group contributes, per
// its satisfaction rule.
func selectMembers(inv *Invoice, name string, g Group, forced map[string]bool, matches func(int) bool) []int {
	var members []int
	for i, p := range inv.Parcel {
		inGroup := p.MemberOf(name)
		if name == globalGroup {
			inGroup = p.IsGlobalGroup()
		}
		if inGroup && matches(i) {
			members = append(members, i)
		}
	}
	if name == globalGroup {
		return members
	}
	switch g.Satisfaction() {
	case SatisfyAllOf:
		return members
	case SatisfyOneOf:
		for _, i := range members {
			if forced[inv.Parcel[i].Label.SHA256] {
				return []int{i}
			}
		}
		if len(members) > 0 {
			// Deterministic default: first member in declaration order.
			return members[:1]
		}
		return nil
	case SatisfyOptional:
		var picked []int
		for _, i := range members {
			if forced[inv.Parcel[i].Label.SHA256] {
				picked = append(picked, i)
			}
		}
		return picked
	}
	return nil
}

// validateFilter rejects filters that express disjunction over the same
// (section, name) pair: mutually exclusive parcels must use distinct names.
func validateFilter(clauses []FeatureClause) error {
	seen := make(map[[2]string]string, len(clauses))
	for _, c := range clauses {
		key := [2]string{c.Section, c.Name}
		if prev, ok := seen[key]; ok && prev != c.Value {
			return ErrConflictingFilter{Section: c.Section, Name: c.Name}
		}
		seen[key] = c.Value
	}
	return nil
}

// matchesFilter applies the AND of all clauses to one parcel.
func matchesFilter(p Parcel, clauses []FeatureClause) bool {
	for _, c := range clauses {
		section, ok := p.Label.Feature[c.Section]
		if !ok {
			return false
		}
		if section[c.Name] != c.Value {
			return false
		}
	}
	return true
}
