package store

// change is one row of a collection change log.
type change struct {
	uri string
	op  int
}

// foldChanges collapses a change log in token order into a ChangeSet where
// the last operation per uri wins. Uris keep the order of their first
// appearance.
func foldChanges(token int64, changes []change, limit int) (*ChangeSet, error) {
	last := make(map[string]int, len(changes))
	var order []string
	for _, c := range changes {
		if _, seen := last[c.uri]; !seen {
			order = append(order, c.uri)
		}
		last[c.uri] = c.op
	}
	if limit > 0 && len(order) > limit {
		return nil, ErrTooManyMatches
	}
	cs := &ChangeSet{SyncToken: token}
	for _, uri := range order {
		switch last[uri] {
		case ChangeAdd:
			cs.Added = append(cs.Added, uri)
		case ChangeModify:
			cs.Modified = append(cs.Modified, uri)
		case ChangeDelete:
			cs.Deleted = append(cs.Deleted, uri)
		}
	}
	return cs, nil
}
