package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "octopus.db", cfg.DatabasePath)
	assert.Equal(t, "daily", cfg.ReportSchedule)
	assert.Equal(t, 1000, cfg.SweepLimit)
	assert.Equal(t, time.Hour, cfg.BucketWidth)
	assert.Equal(t, 10, cfg.TrendingLimit)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEBUG", "true")
	t.Setenv("DATABASE_PATH", "/data/octopus.db")
	t.Setenv("REPORT_SCHEDULE", "weekly")
	t.Setenv("BUCKET_WIDTH", "15m")
	t.Setenv("TRENDING_LIMIT", "25")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token-123")
	t.Setenv("TELEGRAM_CHAT_ID", "-1234567890")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/data/octopus.db", cfg.DatabasePath)
	assert.Equal(t, "weekly", cfg.ReportSchedule)
	assert.Equal(t, 15*time.Minute, cfg.BucketWidth)
	assert.Equal(t, 25, cfg.TrendingLimit)
	assert.Equal(t, int64(-1234567890), cfg.TelegramChatID)
}

func TestLoadIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("DEBUG", "definitely")
	t.Setenv("SWEEP_LIMIT", "lots")
	t.Setenv("BUCKET_WIDTH", "an hour")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Debug)
	assert.Equal(t, 1000, cfg.SweepLimit)
	assert.Equal(t, time.Hour, cfg.BucketWidth)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "bad report schedule",
			env:  map[string]string{"REPORT_SCHEDULE": "hourly"},
		},
		{
			name: "bucket width below a minute",
			env:  map[string]string{"BUCKET_WIDTH": "10s"},
		},
		{
			name: "email without smtp",
			env:  map[string]string{"NOTIFICATION_EMAIL": "ops@example.com"},
		},
		{
			name: "telegram token without chat id",
			env:  map[string]string{"TELEGRAM_BOT_TOKEN": "token-123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidationEmailWithSMTP(t *testing.T) {
	t.Setenv("NOTIFICATION_EMAIL", "ops@example.com")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_USERNAME", "octopus")
	t.Setenv("SMTP_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", cfg.NotificationEmail)
	assert.Equal(t, 587, cfg.SMTPPort)
}
