package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled"`
	Type     ConfigType             `json:"type"`    // "file", "syslog", etc.
	Options  map[string]interface{} `json:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Recovery workflow and key lifecycle actions recorded by the platform.
// Every state transition of a recovery request emits exactly one of these.
const (
	ActionRecoveryRequested   = "recovery_requested"
	ActionIdentityChallenged  = "identity_challenged"
	ActionIdentityVerified    = "identity_verified"
	ActionPrimaryApproval     = "primary_approval"
	ActionSecondaryApproval   = "secondary_approval"
	ActionTimeDelayComplete   = "time_delay_complete"
	ActionRecoveryExecuted    = "recovery_executed"
	ActionRecoveryCancelled   = "recovery_cancelled"
	ActionRecoveryRejected    = "recovery_rejected"
	ActionOrgEncryptionEnable = "org_encryption_enabled"
	ActionSurveyKeyCreated    = "survey_key_created"
	ActionSurveyKeyUnlocked   = "survey_key_unlocked"
	ActionSurveyKeyMigrated   = "survey_key_migrated"
	ActionKeyEscrowed         = "key_escrowed"
	ActionPlatformKeyAssembly = "platform_key_assembled"
	ActionAuthFailure         = "auth_failure"
)

// Logger interface for pluggable audit implementations. Implementations are
// append only: recorded events are never rewritten or deleted, and callers
// must never place key material or passphrases in metadata.
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	LogEvent(event Event) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Action      string                 `json:"action"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	RequestCode string                 `json:"request_code,omitempty"`
	SurveyID    string                 `json:"survey_id,omitempty"`
	OrgID       string                 `json:"org_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Source      string                 `json:"source,omitempty"` // IP, hostname, etc.
	Duration    int64                  `json:"duration_ms,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since        *time.Time
	Until        *time.Time
	Action       string
	Success      *bool // nil = all, true = only success, false = only failures
	RequestCode  string
	SurveyID     string
	OrgID        string
	UserID       string
	Actor        string
	Limit        int
	Offset       int
	RecoveryOnly bool // Filter for recovery workflow events
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
