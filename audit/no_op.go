package audit

// Ensure NoOpLogger implements Logger interface
var _ Logger = (*NoOpLogger)(nil)

// NoOpLogger discards all events. Used when auditing is disabled.
type NoOpLogger struct{}

func (n *NoOpLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return nil
}

func (n *NoOpLogger) LogEvent(event Event) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
