package pipeline

// Stage is a step of the run state machine:
// Idle → ReadingBundle → Converting → PlanningLayout → Finalizing → Completed,
// with Failed and Cancelled reachable from any stage.
type Stage string

const (
	StageIdle           Stage = "Idle"
	StageReadingBundle  Stage = "ReadingBundle"
	StageConverting     Stage = "Converting"
	StagePlanningLayout Stage = "PlanningLayout"
	StageFinalizing     Stage = "Finalizing"
	StageCompleted      Stage = "Completed"
	StageFailed         Stage = "Failed"
	StageCancelled      Stage = "Cancelled"
)

// Terminal reports whether no further transition can follow s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Event is one progress update. Remaining is -1 when the total is unknown.
type Event struct {
	JobID     string `json:"job_id"`
	Stage     Stage  `json:"stage"`
	Processed int    `json:"processed"`
	Remaining int    `json:"remaining"`
	Written   int    `json:"written"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Item      string `json:"item,omitempty"`
}
