package queue

// WorkItemMsg enqueues one work item for a worker to route and execute.
type WorkItemMsg struct {
	RunID       string `json:"run_id"`
	Input       string `json:"input"`
	RequestedBy string `json:"requested_by"`
}

// ResolutionMsg carries an external uncertainty resolution to the
// worker currently holding the run.
type ResolutionMsg struct {
	RunID         string `json:"run_id"`
	UncertaintyID string `json:"uncertainty_id"`
	ChosenOption  string `json:"chosen_option"`
	ResolvedBy    string `json:"resolved_by"`
}
