// Package reconcile computes the row changes needed to move an entry's
// relation set from one snapshot to another.
package reconcile

import (
	"database/sql"
	"sort"

	"github.com/chmdznr/journal-sync/pkg/models"
)

// Result holds the changes between two snapshots, each slice sorted by key.
// Delete carries the old content, Insert and Update carry the new content.
type Result struct {
	Insert []models.RelationEntry
	Update []models.RelationEntry
	Delete []models.RelationEntry
}

// Empty reports whether the snapshots were equal.
func (r Result) Empty() bool {
	return r.Len() == 0
}

// Len is the number of row writes the result implies.
func (r Result) Len() int {
	return len(r.Insert) + len(r.Update) + len(r.Delete)
}

// Diff compares old and new. A null content and an empty string are
// different values. Nil snapshots are treated as empty.
func Diff(old, new models.RelationSnapshot) Result {
	var res Result
	for key, content := range old {
		next, ok := new[key]
		if !ok {
			res.Delete = append(res.Delete, models.RelationEntry{Key: key, Content: content})
			continue
		}
		if !sameContent(next, content) {
			res.Update = append(res.Update, models.RelationEntry{Key: key, Content: next})
		}
	}
	for key, content := range new {
		if _, ok := old[key]; !ok {
			res.Insert = append(res.Insert, models.RelationEntry{Key: key, Content: content})
		}
	}
	sortByKey(res.Insert)
	sortByKey(res.Update)
	sortByKey(res.Delete)
	return res
}

// sameContent compares two contents as optional strings. The String field
// of a null content is ignored.
func sameContent(a, b sql.NullString) bool {
	return a.Valid == b.Valid && (!a.Valid || a.String == b.String)
}

func sortByKey(entries []models.RelationEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}
