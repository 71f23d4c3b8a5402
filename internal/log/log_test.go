package log

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdaa/internal/config"
)

func TestInitTextPattern(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	err := initLogger(l, config.LogConfig{
		Level:   "debug",
		Format:  "text",
		Pattern: "[%level] %component%msg %field",
	}, &buf)
	require.NoError(t, err)

	l.WithField(ComponentKey, "pipeline").WithField("dropped", 2).WithField("a", "b").Debug("hello")

	assert.Equal(t, "[DEBUG] [pipeline] hello a=b dropped=2\n", buf.String())
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	require.NoError(t, initLogger(l, config.LogConfig{Level: "info", Format: "json"}, &buf))

	l.WithField("run_id", "x").Info("started")
	l.Debug("hidden")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "started", m["msg"])
	assert.Equal(t, "x", m["run_id"])
	assert.Equal(t, "info", m["level"])
}

func TestInitRejectsBadConfig(t *testing.T) {
	l := logrus.New()
	assert.Error(t, initLogger(l, config.LogConfig{Level: "loud", Format: "text"}, &bytes.Buffer{}))
	assert.Error(t, initLogger(l, config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}))
	assert.Error(t, initLogger(l, config.LogConfig{Level: "info", Format: "text", File: config.FileLogConfig{Enabled: true}}, &bytes.Buffer{}))
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdaa.log")
	l := logrus.New()
	require.NoError(t, initLogger(l, config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.FileLogConfig{Enabled: true, Path: path, MaxSizeMB: 1},
	}, &bytes.Buffer{}))

	l.Info("to file")
	assert.FileExists(t, path)
}

func TestFormatterDefaults(t *testing.T) {
	f := newFormatter("", "")
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "left multicast group",
		Data:    logrus.Fields{},
	}
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02 03:04:05.006 [WARNING] left multicast group\n", string(out))
}
