package sync

import (
	"github.com/njoerd114/placesync/internal/model"
)

// action describes how the planner classified one event or record.
type action int

const (
	actionNone   action = iota // fingerprint unchanged, counted as skipped
	actionCreate               // event has no record yet
	actionUpdate               // event content changed, or a record sync soft-deleted reappeared
	actionDelete               // record's event vanished from the window
)

func (a action) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionUpdate:
		return "update"
	case actionDelete:
		return "delete"
	default:
		return "none"
	}
}

// PlanInput is everything [BuildPlan] looks at.
type PlanInput struct {
	// Existing holds the non-deleted records overlapping the sync window.
	// These are the only deletion candidates.
	Existing []model.Location

	// Linked holds records matched by external id outside Existing, such as
	// soft-deleted ones or records outside the window. They can be updated
	// or revived but are never deleted by this plan.
	Linked []model.Location

	// Events is the fetched batch, in source order.
	Events []model.ExternalEvent
}

// Update pairs a record with the event that changed it.
type Update struct {
	Record      model.Location
	Event       model.ExternalEvent
	Fingerprint string
	// Revive is set when the record was soft-deleted and its event is back.
	Revive bool
}

// Unchanged pairs a record with its event whose fingerprint did not change.
type Unchanged struct {
	Record model.Location
	Event  model.ExternalEvent
}

// Plan is the classification of one batch. Creates, Updates and Unchanged
// keep event source order; Deletes keep the order of PlanInput.Existing.
type Plan struct {
	Creates   []model.ExternalEvent
	Updates   []Update
	Unchanged []Unchanged
	Deletes   []model.Location
	Rejected  []*EventError
}

// Empty reports whether the plan performs no mutation.
func (p *Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// Actions returns the number of mutations the plan will perform.
func (p *Plan) Actions() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deletes)
}

// BuildPlan reconciles a batch of events against the persisted records. It
// is a pure function of its input: re-planning the same unchanged input after
// the plan was applied yields no creates, updates, or deletes.
func BuildPlan(in PlanInput) Plan {
	var plan Plan

	existing := indexByEventID(in.Existing)
	linked := indexByEventID(in.Linked)

	present := make(map[string]bool, len(in.Events))
	for _, ev := range in.Events {
		if rej := validate(&ev, present); rej != nil {
			plan.Rejected = append(plan.Rejected, rej)
			continue
		}
		present[ev.ID] = true

		rec, ok := existing[ev.ID]
		if !ok {
			rec, ok = linked[ev.ID]
		}
		if !ok {
			plan.Creates = append(plan.Creates, ev)
			continue
		}

		fp := ev.Fingerprint()
		switch decide(rec, fp) {
		case actionUpdate:
			plan.Updates = append(plan.Updates, Update{
				Record:      rec,
				Event:       ev,
				Fingerprint: fp,
				Revive:      rec.IsDeleted(),
			})
		default:
			plan.Unchanged = append(plan.Unchanged, Unchanged{Record: rec, Event: ev})
		}
	}

	for _, rec := range in.Existing {
		if rec.ExternalEventID == "" || rec.IsDeleted() {
			continue
		}
		if !present[rec.ExternalEventID] {
			plan.Deletes = append(plan.Deletes, rec)
		}
	}

	return plan
}

// decide classifies a matched record against the event's fingerprint. A
// record the user deleted stays deleted whatever its event does.
func decide(rec model.Location, fingerprint string) action {
	if rec.IsDeleted() {
		if rec.DeletedByUser {
			return actionNone
		}
		return actionUpdate
	}
	if rec.ChangeFingerprint == fingerprint {
		return actionNone
	}
	return actionUpdate
}

// validate rejects events the engine cannot turn into a location. Rejected
// events do not count as present, so a record whose event lost its location
// text is soft-deleted.
func validate(ev *model.ExternalEvent, seen map[string]bool) *EventError {
	switch {
	case ev.ID == "":
		return &EventError{Title: ev.Title, Reason: "event has no identifier"}
	case seen[ev.ID]:
		return &EventError{EventID: ev.ID, Title: ev.Title, Reason: "duplicate event identifier in batch"}
	case !ev.HasLocation():
		return &EventError{EventID: ev.ID, Title: ev.Title, Reason: "event has no location"}
	}
	return nil
}

// indexByEventID maps external event ids to records. Records without an
// external id are never matched. On duplicates the first record wins.
func indexByEventID(locs []model.Location) map[string]model.Location {
	m := make(map[string]model.Location, len(locs))
	for _, l := range locs {
		if l.ExternalEventID == "" {
			continue
		}
		if _, dup := m[l.ExternalEventID]; !dup {
			m[l.ExternalEventID] = l
		}
	}
	return m
}
