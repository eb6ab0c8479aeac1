package conductor

import "context"

// NullAttemptLogger is a no-op implementation of AttemptLogger.
type NullAttemptLogger struct{}

func NewNullAttemptLogger() *NullAttemptLogger {
	return &NullAttemptLogger{}
}

func (l *NullAttemptLogger) LogAttempt(ctx context.Context, entry *AttemptLogEntry) error {
	return nil
}

func (l *NullAttemptLogger) GetAttemptHistory(ctx context.Context, workflowID string) ([]*AttemptLogEntry, error) {
	return nil, nil
}
