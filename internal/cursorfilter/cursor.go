package cursorfilter

import (
	"github.com/agentworkforce/tasksync/internal/tasksync"
)

// NextCursor picks where the selection goes after the entity at currentID
// was edited. ordered is the list as displayed, overlays applied. The cursor
// stays put while the entity still matches, otherwise moves to the next
// matching item below it, then the nearest one above. It returns false when
// nothing in the list matches.
func NextCursor(q Query, ordered []tasksync.Record, currentID string) (string, bool) {
	index := -1
	for i, rec := range ordered {
		if rec.ID == currentID {
			index = i
			break
		}
	}
	if index < 0 {
		for _, rec := range ordered {
			if Matches(q, rec) {
				return rec.ID, true
			}
		}
		return "", false
	}
	if Matches(q, ordered[index]) {
		return currentID, true
	}
	for i := index + 1; i < len(ordered); i++ {
		if Matches(q, ordered[i]) {
			return ordered[i].ID, true
		}
	}
	for i := index - 1; i >= 0; i-- {
		if Matches(q, ordered[i]) {
			return ordered[i].ID, true
		}
	}
	return "", false
}
