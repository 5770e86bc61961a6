package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "trader.log")

	require.NoError(t, Init(Config{Level: "debug", OutputFile: path, NoConsole: true}))
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	assert.Equal(t, path, CurrentLogFile())

	Infof("hello %s", "file")
	logrus.WithField("module", "test").Info("from std logger")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello file")
	assert.Contains(t, string(b), "from std logger")
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud", NoConsole: true}))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
}

func TestSuspendConsoleKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.log")
	require.NoError(t, Init(Config{Level: "info", OutputFile: path}))

	restore := SuspendConsole()
	Infof("while suspended")
	restore()
	Infof("after restore")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "while suspended")
	assert.Contains(t, string(b), "after restore")
}
