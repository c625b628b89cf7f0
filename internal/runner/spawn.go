package runner

// SpawnRequest names a new task for the controller's
// "create_and_run_task" dispatch (spec.md §4.1 "Task spawn"): the
// kernel names the new task and optionally points at freshly loaded
// user bytes.
type SpawnRequest struct {
	TaskID    uint32
	SubMode   TaskSubMode
	HasUser   bool
	UserStart uint32
	UserEnd   uint32
	DataBase  uint32
	TableBase uint32
	// CloneCallbackName is set when SubMode == SubModeCloneCallback.
	CloneCallbackName string
}

// ReleaseRequest names a dead task for the controller's "release_task"
// dispatch (spec.md §4.1 "Task release").
type ReleaseRequest struct {
	TaskID uint32
}
