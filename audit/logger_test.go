package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		want    interface{}
		wantErr bool
	}{
		{name: "nil config", config: nil, want: &NoOpLogger{}},
		{name: "disabled", config: &Config{Enabled: false, Type: MemoryAuditType}, want: &NoOpLogger{}},
		{name: "memory", config: &Config{Enabled: true, Type: MemoryAuditType}, want: &MemoryLogger{}},
		{name: "zap", config: &Config{Enabled: true, Type: ZapAuditType}, want: &ZapLogger{}},
		{name: "file without path", config: &Config{Enabled: true, Type: FileAuditType}, wantErr: true},
		{name: "unknown", config: &Config{Enabled: true, Type: "syslog"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, logger)
		})
	}
}

func TestMemoryLoggerQuery(t *testing.T) {
	logger := NewMemoryLogger(3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Record(Event{Action: ActionVaultCreate, Actor: "alice", Success: true, Timestamp: base}))
	require.NoError(t, logger.Record(Event{Action: ActionItemUpload, Actor: "alice", Success: true, Timestamp: base.Add(time.Minute)}))
	require.NoError(t, logger.Record(Event{Action: ActionItemUpload, Actor: "mallory", Success: false, Timestamp: base.Add(2 * time.Minute)}))
	require.NoError(t, logger.Record(Event{Action: ActionItemDecrypt, Actor: "alice", Success: true, Timestamp: base.Add(3 * time.Minute)}))

	all, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.TotalCount)
	require.Len(t, all.Events, 3, "oldest event evicted")
	assert.Equal(t, ActionItemDecrypt, all.Events[0].Action)
	assert.NotEmpty(t, all.Events[0].ID)

	failed := false
	failures, err := logger.Query(QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, failures.Events, 1)
	assert.Equal(t, "mallory", failures.Events[0].Actor)

	limited, err := logger.Query(QueryOptions{Actor: "alice", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited.Events, 1)
	assert.True(t, limited.HasMore)
}

func TestZapLoggerRecord(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	require.NoError(t, logger.Record(Event{Action: ActionLegacyUnlock, Target: "vault-1", Success: true}))
	require.NoError(t, logger.Log(ActionItemDecrypt, false, map[string]interface{}{"item_id": "i-1"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "audit", entries[0].LoggerName)
	assert.Equal(t, "vault-1", entries[0].ContextMap()["target"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)

	_, err := logger.Query(QueryOptions{})
	assert.Error(t, err)
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := NewLogger(&Config{Enabled: true, Type: FileAuditType, Path: path}, nil)
	require.NoError(t, err)
	require.IsType(t, &FileLogger{}, first)
	require.NoError(t, first.Record(Event{Action: ActionVaultCreate, Actor: "alice", Target: "v-1", Success: true, Timestamp: base}))
	require.NoError(t, first.Record(Event{Action: ActionItemDecrypt, Actor: "mallory", Target: "v-1", Error: "not authorized", Timestamp: base.Add(time.Minute)}))
	require.NoError(t, first.Close())
	assert.Error(t, first.Record(Event{Action: ActionItemUpload}), "closed sink rejects events")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := NewFileLogger(path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Log(ActionItemUpload, true, map[string]interface{}{"item_id": "i-1"}))

	all, err := second.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalCount)
	require.Len(t, all.Events, 3)
	assert.Equal(t, ActionItemUpload, all.Events[0].Action, "newest first")

	failed := false
	failures, err := second.Query(QueryOptions{Success: &failed, Target: "v-1"})
	require.NoError(t, err)
	require.Len(t, failures.Events, 1)
	assert.Equal(t, "mallory", failures.Events[0].Actor)
	assert.Equal(t, "not authorized", failures.Events[0].Error)

	since := base.Add(30 * time.Second)
	recent, err := second.Query(QueryOptions{Since: &since, Actor: "alice"})
	require.NoError(t, err)
	assert.Empty(t, recent.Events)
}
