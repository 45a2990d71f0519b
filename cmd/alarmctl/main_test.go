package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/alarm-engine/migration"
)

func setup(t *testing.T) string {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	t.Setenv("STORE_DB_PATH", filepath.Join(dir, "alarms.db"))
	t.Setenv("STORE_LEGACY_DIR", dir)
	t.Setenv("BATCH_DEBOUNCE", "1ms")
	t.Setenv("ALARM_CONFIG", "")
	return dir
}

func ctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func TestMigrateThenList(t *testing.T) {
	dir := setup(t)
	blob := `[{"id": "L1", "time": "06:15", "label": "Run", "enabled": true, "repeat_weekdays": [2,4,6]}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, migration.LegacyFileName), []byte(blob), 0o600))

	out, err := ctl(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "legacy: cleaned")
	assert.Contains(t, out, "not_needed -> full_init -> validated -> cleaned")
	assert.Contains(t, out, "records:   1 (100.0% ok)")

	out, err = ctl(t, "templates", "-scenario=health")
	require.NoError(t, err)
	assert.Contains(t, out, "health")

	out, err = ctl(t, "next")
	require.NoError(t, err)
	assert.Contains(t, out, "Run")

	out, err = ctl(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "alarms 1, rules 3")
	assert.Contains(t, out, "clean")
}

func TestNext_Empty(t *testing.T) {
	setup(t)

	out, err := ctl(t, "next", "-within=24h")

	require.NoError(t, err)
	assert.Contains(t, out, "nothing scheduled")
}

func TestTemplates_UnknownScenario(t *testing.T) {
	setup(t)

	_, err := ctl(t, "templates", "-scenario=space")

	assert.Error(t, err)
}

func TestPreview_Errors(t *testing.T) {
	setup(t)

	_, err := ctl(t, "preview")
	assert.Error(t, err)

	_, err = ctl(t, "preview", "missing")
	assert.Error(t, err)
}

func TestOptimize(t *testing.T) {
	setup(t)

	out, err := ctl(t, "optimize")

	require.NoError(t, err)
	assert.Contains(t, out, "flushed 0 queued ops")
}

func TestUnknownCommand(t *testing.T) {
	setup(t)

	_, err := ctl(t)
	assert.EqualError(t, err, "missing command")

	_, err = ctl(t, "frobnicate")
	assert.EqualError(t, err, `unknown command "frobnicate"`)
}
