package manager

// CloudSink receives summary and session-end bodies for external
// persistence. Errors are logged and never block the session's reader.
type CloudSink interface {
	OnSummary(agentID, body string) error
	OnSessionEnd(agentID, body string) error
}

// NopCloudSink discards everything.
type NopCloudSink struct{}

func (NopCloudSink) OnSummary(string, string) error    { return nil }
func (NopCloudSink) OnSessionEnd(string, string) error { return nil }

// WorkspacePolicy bounds agent usage in one workspace. Zero values mean
// unlimited.
type WorkspacePolicy struct {
	MaxAgents int
}

// PolicySource answers per-workspace policy lookups at spawn time.
type PolicySource interface {
	WorkspacePolicy(workspaceID string) (WorkspacePolicy, error)
}

// NopPolicySource allows everything.
type NopPolicySource struct{}

func (NopPolicySource) WorkspacePolicy(string) (WorkspacePolicy, error) {
	return WorkspacePolicy{}, nil
}
