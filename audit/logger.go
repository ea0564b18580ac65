package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config defines audit configuration
type Config struct {
	Enabled bool       `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Type    ConfigType `mapstructure:"type" yaml:"type" json:"type"` // "file", "zap", "memory" or empty
	// Path is the JSON lines file written by the file sink
	Path string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	// CacheSize bounds the memory sink, zero means DefaultCacheSize
	CacheSize int `mapstructure:"cache_size" yaml:"cache_size,omitempty" json:"cache_size,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	ZapAuditType    ConfigType = "zap"
	MemoryAuditType ConfigType = "memory"
	NoOp            ConfigType = ""
)

// Actions recorded by the vault engine
const (
	ActionVaultCreate    = "vault_create"
	ActionMemberInvite   = "member_invite"
	ActionItemUpload     = "item_upload"
	ActionItemDecrypt    = "item_decrypt"
	ActionItemDelete     = "item_delete"
	ActionLegacySchedule = "legacy_schedule"
	ActionLegacyConfirm  = "legacy_confirm"
	ActionLegacyUnlock   = "legacy_unlock"
	ActionLegacyCancel   = "legacy_cancel"
	ActionVaultExport    = "vault_export"
	ActionVaultImport    = "vault_import"
)

// Logger is implemented by every audit sink
type Logger interface {
	// Log records an event without actor or target
	Log(action string, success bool, metadata map[string]interface{}) error
	// Record records a fully populated event. Missing ID and Timestamp are filled in.
	Record(event Event) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event is a single auditable action against a vault
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit events
type QueryOptions struct {
	Since   *time.Time
	Until   *time.Time
	Action  string
	Actor   string
	Target  string
	Success *bool // nil = all, true = only success, false = only failures
	Limit   int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates the sink selected by config. logger is only used by the zap sink.
func NewLogger(config *Config, logger *zap.Logger) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config.Path)
	case ZapAuditType:
		return NewZapLogger(logger), nil
	case MemoryAuditType:
		return NewMemoryLogger(config.CacheSize), nil
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

func normalize(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

func (e Event) matches(options QueryOptions) bool {
	if options.Since != nil && e.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && e.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && e.Action != options.Action {
		return false
	}
	if options.Actor != "" && e.Actor != options.Actor {
		return false
	}
	if options.Target != "" && e.Target != options.Target {
		return false
	}
	if options.Success != nil && e.Success != *options.Success {
		return false
	}
	return true
}
