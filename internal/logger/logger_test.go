package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	tests := []struct {
		name    string
		level   string
		format  string
		output  string
		wantErr bool
	}{
		{name: "json stdout", level: "debug", format: "json", output: "stdout"},
		{name: "text stderr", level: "warn", format: "text", output: "stderr"},
		{name: "bad level", level: "loud", format: "json", output: "stdout", wantErr: true},
		{name: "bad format", level: "info", format: "xml", output: "stdout", wantErr: true},
		{name: "rotating file", level: "info", format: "json", output: filepath.Join(t.TempDir(), "client.log")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			err := l.Configure(tt.level, tt.format, tt.output, 7)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestEnvLevelOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	l := New()
	require.NoError(t, l.Configure("debug", "json", "stdout", 0))
	assert.Equal(t, logrus.ErrorLevel, l.GetLevel())
}

func TestWithComponent(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("session").WithFields(Fields{"pair": "XBT/USD"}).Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "XBT/USD", line["pair"])
	assert.Equal(t, "hello", line["message"])
}
