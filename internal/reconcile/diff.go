package reconcile

import (
	"studiosync/internal/model"
	"studiosync/internal/store"
)

// Protected describes stored rows a sync must keep even when they are
// missing from the fresh set.
type Protected struct {
	// UIDs failed to parse this run. They match external or base UIDs.
	UIDs map[string]struct{}
	// Spans maps the base UID of a series that hit the occurrence cap to
	// the starts that were kept. Its rows outside the span are kept.
	Spans map[string]model.Window
}

// Diff compares the stored rows of a window with the freshly parsed set,
// both keyed by external UID. Rows whose content hash matches are left
// alone. Stored rows missing from the new set are deleted unless
// protected says otherwise.
//
// New UIDs go into Upserts rather than a plain insert: the row may exist
// outside the window that was listed.
func Diff(stored, fresh []model.CalendarEvent, protected Protected) (store.Batch, int) {
	var (
		b         store.Batch
		unchanged int
	)

	byUID := make(map[string]model.CalendarEvent, len(stored))
	for _, ev := range stored {
		byUID[ev.ExternalUID] = ev
	}

	seen := make(map[string]struct{}, len(fresh))
	for _, ev := range fresh {
		seen[ev.ExternalUID] = struct{}{}
		if ev.ContentHash == "" {
			ev.ContentHash = ev.Hash()
		}
		old, ok := byUID[ev.ExternalUID]
		switch {
		case !ok:
			b.Upserts = append(b.Upserts, ev)
		case old.ContentHash == ev.ContentHash:
			unchanged++
		default:
			ev.ID = old.ID
			b.Updates = append(b.Updates, ev)
		}
	}

	for _, ev := range stored {
		if _, ok := seen[ev.ExternalUID]; ok {
			continue
		}
		if protected.covers(ev) {
			continue
		}
		b.Deletes = append(b.Deletes, ev)
	}
	return b, unchanged
}

func (p Protected) covers(ev model.CalendarEvent) bool {
	if _, ok := p.UIDs[ev.ExternalUID]; ok {
		return true
	}
	if ev.BaseUID == "" {
		return false
	}
	if _, ok := p.UIDs[ev.BaseUID]; ok {
		return true
	}
	if span, ok := p.Spans[ev.BaseUID]; ok && !span.Contains(ev.Start) {
		return true
	}
	return false
}
