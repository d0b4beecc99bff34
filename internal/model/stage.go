package model

// Stage is the current step of an import job's state machine. It is persisted
// as an explicit finite-state value; every write goes through CanTransition so
// a job can only ever advance forward or move to StageFailed.
type Stage string

const (
	StagePending             Stage = "PENDING"
	StageAnalyzeDuplicates   Stage = "ANALYZE_DUPLICATES"
	StageDetectSchema        Stage = "DETECT_SCHEMA"
	StageValidateSchema      Stage = "VALIDATE_SCHEMA"
	StageAwaitApproval       Stage = "AWAIT_APPROVAL"
	StageCreateSchemaVersion Stage = "CREATE_SCHEMA_VERSION"
	StageGeocodeBatch        Stage = "GEOCODE_BATCH"
	StageCreateEvents        Stage = "CREATE_EVENTS"
	StageCompleted           Stage = "COMPLETED"
	StageFailed              Stage = "FAILED"
)

// stageTransitions is the closed allowed-transition table. StageFailed is
// reachable from every non-terminal state and is appended in CanTransition
// rather than listed per row.
var stageTransitions = map[Stage][]Stage{
	StagePending:             {StageAnalyzeDuplicates},
	StageAnalyzeDuplicates:   {StageDetectSchema},
	StageDetectSchema:        {StageValidateSchema},
	StageValidateSchema:      {StageAwaitApproval, StageCreateSchemaVersion},
	StageAwaitApproval:       {StageCreateSchemaVersion},
	StageCreateSchemaVersion: {StageGeocodeBatch},
	StageGeocodeBatch:        {StageCreateEvents},
	StageCreateEvents:        {StageCompleted},
	StageCompleted:           {},
	StageFailed:              {},
}

// CanTransition reports whether moving from s to next is allowed. Writing the
// same stage again is permitted so batch-oriented handlers can persist
// progress without advancing.
func (s Stage) CanTransition(next Stage) bool {
	if next == s {
		return true
	}
	if next == StageFailed {
		return !s.Terminal()
	}
	for _, t := range stageTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Known reports whether s is one of the defined stages.
func (s Stage) Known() bool {
	_, ok := stageTransitions[s]
	return ok
}

// FileStatus is the aggregate status of an uploaded file across its child
// import jobs.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusParsing    FileStatus = "parsing"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)
