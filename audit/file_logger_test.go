package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := newTestFileLogger(t)

	if err := logger.Log(ActionSurveyKeyCreated, true, map[string]interface{}{"survey": "s1"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.LogEvent(Event{
		Action:      ActionRecoveryRequested,
		Success:     true,
		RequestCode: "REQ-1234",
		SurveyID:    "s1",
		UserID:      "u1",
		Actor:       "u1",
	}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 2 {
		t.Fatalf("expected 2 events, got %d", result.Filtered)
	}

	// Events get ID and timestamp assigned on write.
	for _, event := range result.Events {
		if event.ID == "" || event.Timestamp.IsZero() {
			t.Fatalf("event missing ID or timestamp: %+v", event)
		}
	}
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger := newTestFileLogger(t)

	events := []Event{
		{Action: ActionRecoveryRequested, Success: true, RequestCode: "REQ-A", SurveyID: "s1"},
		{Action: ActionPrimaryApproval, Success: true, RequestCode: "REQ-A", Actor: "admin-1"},
		{Action: ActionSecondaryApproval, Success: true, RequestCode: "REQ-A", Actor: "admin-2"},
		{Action: ActionRecoveryRequested, Success: true, RequestCode: "REQ-B", SurveyID: "s2"},
		{Action: ActionSurveyKeyUnlocked, Success: false, SurveyID: "s1", Error: "authentication failed"},
	}
	for _, e := range events {
		if err := logger.LogEvent(e); err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
	}

	byCode, err := logger.Query(QueryOptions{RequestCode: "REQ-A"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if byCode.Filtered != 3 {
		t.Fatalf("expected 3 events for REQ-A, got %d", byCode.Filtered)
	}

	failed := false
	bySuccess, err := logger.Query(QueryOptions{Success: &failed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if bySuccess.Filtered != 1 || bySuccess.Events[0].Action != ActionSurveyKeyUnlocked {
		t.Fatalf("success filter returned wrong events: %+v", bySuccess.Events)
	}

	recovery, err := logger.Query(QueryOptions{RecoveryOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if recovery.Filtered != 4 {
		t.Fatalf("expected 4 recovery events, got %d", recovery.Filtered)
	}

	byActor, err := logger.Query(QueryOptions{Actor: "admin-2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if byActor.Filtered != 1 || byActor.Events[0].Action != ActionSecondaryApproval {
		t.Fatalf("actor filter returned wrong events: %+v", byActor.Events)
	}
}

func TestFileLoggerQueryLimitAndOrder(t *testing.T) {
	logger := newTestFileLogger(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := logger.LogEvent(Event{
			Action:    ActionSurveyKeyCreated,
			Success:   true,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			SurveyID:  "s1",
		})
		if err != nil {
			t.Fatalf("LogEvent failed: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if !result.HasMore {
		t.Fatal("expected HasMore with limit below total")
	}
	// Newest first.
	if result.Events[0].Timestamp.Before(result.Events[1].Timestamp) {
		t.Fatal("events not sorted newest first")
	}
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.log")
	config := &Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	}

	logger, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err = logger.Log(ActionRecoveryRequested, true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err = logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A closed logger reopens the file on the next write.
	if err = logger.Log(ActionRecoveryExecuted, true, nil); err != nil {
		t.Fatalf("Log after close failed: %v", err)
	}

	reopened, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 2 {
		t.Fatalf("expected 2 persisted events, got %d", result.Filtered)
	}
}

func TestNewLoggerDisabledReturnsNoOp(t *testing.T) {
	logger, err := NewLogger(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if _, ok := logger.(*NoOpLogger); !ok {
		t.Fatalf("expected NoOpLogger, got %T", logger)
	}
	if err = logger.Log("anything", true, nil); err != nil {
		t.Fatalf("NoOp Log failed: %v", err)
	}
}
