package sync

// Step names reported through [Progress].
const (
	StepFetchEvents = "fetching events"
	StepLoadRecords = "loading records"
	StepPlan        = "planning"
	StepApply       = "applying changes"
	StepSave        = "saving"
	StepDone        = "done"
	StepGeocode     = "retrying geocoding"
)

// Progress is an advisory snapshot of a running batch. Fraction never
// decreases within one batch.
type Progress struct {
	Step      string  `json:"step"`
	Fraction  float64 `json:"fraction"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
}

// progressTracker turns batch steps into monotonic [Progress] updates.
type progressTracker struct {
	emit func(Progress)
	last float64
}

func (t *progressTracker) report(step string, fraction float64, processed, total int) {
	if fraction < t.last {
		fraction = t.last
	}
	if fraction > 1 {
		fraction = 1
	}
	t.last = fraction
	t.emit(Progress{Step: step, Fraction: fraction, Processed: processed, Total: total})
}

// item reports per-item progress while applying a plan, mapped onto
// [from, to) of the overall fraction.
func (t *progressTracker) item(processed, total int, from, to float64) {
	f := to
	if total > 0 {
		f = from + (to-from)*float64(processed)/float64(total)
	}
	t.report(StepApply, f, processed, total)
}
