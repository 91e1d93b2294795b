package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLine(t *testing.T) {
	text := formatLine(false, "2026-01-02T03:04:05Z", warnLevel, "service.(*Scanner).Scan", "event=scan action=skip")
	assert.Equal(t, "2026-01-02T03:04:05Z:WARN:service.(*Scanner).Scan:event=scan action=skip", text)

	raw := formatLine(true, "2026-01-02T03:04:05Z", errorLevel, "caller", "boom")
	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, "ERROR", payload["level"])
	assert.Equal(t, "boom", payload["message"])
	assert.Equal(t, "caller", payload["caller"])
}

func TestRotateIfNeeded(t *testing.T) {
	dir := t.TempDir()
	l := &logger{filePath: filepath.Join(dir, "fm.log"), maxSizeBytes: 16, format: logFormatText}

	l.writeToFile("0123456789\n")
	l.writeToFile("0123456789\n")
	require.NotNil(t, l.file)
	defer l.file.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "second write should rotate the first file away")

	current, err := os.ReadFile(l.filePath)
	require.NoError(t, err)
	assert.Equal(t, "0123456789\n", string(current))
}

func TestConfigureMinLevel(t *testing.T) {
	global.mu.Lock()
	savedPath, savedFormat, savedLevel := global.filePath, global.format, global.minLevel
	global.mu.Unlock()
	t.Cleanup(func() {
		global.mu.Lock()
		global.filePath = savedPath
		global.format = savedFormat
		global.minLevel = savedLevel
		global.mu.Unlock()
	})

	dir := t.TempDir()
	Configure(Options{FilePath: filepath.Join(dir, "out.log"), MinLevel: "error", Format: "json"})
	assert.Equal(t, levelRank[errorLevel], global.minLevel)
	assert.Equal(t, logFormatJSON, global.format)

	Infof("suppressed")
	_, err := os.Stat(filepath.Join(dir, "out.log"))
	assert.True(t, os.IsNotExist(err), "info line must not open the file")
}
