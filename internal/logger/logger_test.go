package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("非法级别回退到 info", func(t *testing.T) {
		log, err := NewLogger(Config{Level: "verbose"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("写入日志文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "sendcore.log")
		log, err := NewLogger(Config{Level: "debug", LogFile: path})
		require.NoError(t, err)

		log.Info("circuit opened", zap.String("inbox_id", "inbox-1"))
		_ = log.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"circuit opened"`)
		assert.Contains(t, string(data), `"inbox_id":"inbox-1"`)
	})
}

func TestNewDevelopmentLogger(t *testing.T) {
	log := NewDevelopmentLogger()
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
