package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadCorruptFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "corrupt config")
}

func TestMigrationBacksUpAndStamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{"accounts":[{"name":"alice","configDir":"/w/alice","provider":"claude"}]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.JSONEq(t, legacy, string(backup))

	// The migrated file reloads cleanly with the stamp.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, reloaded.SchemaVersion)
	require.Len(t, reloaded.Accounts, 1)
	assert.Equal(t, "alice", reloaded.Accounts[0].Name)
}

func TestUnknownTopLevelFieldsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	input := `{
		"schemaVersion": 1,
		"accounts": [],
		"experimental_widget": {"nested": [1, 2, 3]},
		"someFutureFlag": true
	}`
	require.NoError(t, os.WriteFile(path, []byte(input), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Save(path, cfg))

	var out map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))

	assert.JSONEq(t, `{"nested":[1,2,3]}`, string(out["experimental_widget"]))
	assert.JSONEq(t, `true`, string(out["someFutureFlag"]))
}

func TestDuplicateAccountNamesCaseInsensitive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	input := `{"schemaVersion":1,"accounts":[{"name":"Alice"},{"name":"alice"}]}`
	require.NoError(t, os.WriteFile(path, []byte(input), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate account name")
}

func TestAccountLookupCaseInsensitive(t *testing.T) {
	cfg := &Config{
		SchemaVersion: 1,
	}
	require.NoError(t, json.Unmarshal([]byte(`{"schemaVersion":1,"accounts":[{"name":"Codex","provider":"openai"}]}`), cfg))

	acct, ok := cfg.Account("codex")
	require.True(t, ok)
	assert.Equal(t, "Codex", acct.Name)

	_, ok = cfg.Account("nobody")
	assert.False(t, ok)
}

func TestBaseDirEnvOverride(t *testing.T) {
	t.Setenv("AGENTCTL_DIR", "/tmp/agentctl-test")
	assert.Equal(t, "/tmp/agentctl-test", BaseDir())
}
