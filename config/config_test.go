package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 640, cfg.DetectorInputSize)
	assert.Equal(t, 0.25, cfg.ConfThreshold)
	assert.Equal(t, 0.45, cfg.IoUThreshold)
	assert.Equal(t, 50.0, cfg.SpatialRadiusM)
	assert.Equal(t, 30*time.Minute, cfg.TemporalWindow)
	assert.Equal(t, 8, cfg.PHashThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.PHashLookback)
	assert.Equal(t, 0.90, cfg.EmbedSimThreshold)
	assert.Equal(t, 5, cfg.EmbedSearchK)
	assert.Equal(t, 500.0, cfg.AttachRadiusM)
	assert.Equal(t, 500.0, cfg.ClusterEpsM)
	assert.Equal(t, 3, cfg.ClusterMinPts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SPATIAL_RADIUS_M", "75.5")
	t.Setenv("TEMPORAL_WINDOW", "45m")
	t.Setenv("PHASH_THRESHOLD", "12")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 75.5, cfg.SpatialRadiusM)
	assert.Equal(t, 45*time.Minute, cfg.TemporalWindow)
	assert.Equal(t, 12, cfg.PHashThreshold)
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBUser:     "server",
		DBPassword: "secret",
		DBHost:     "db",
		DBPort:     "3306",
		DBName:     "ecocity",
	}
	assert.Equal(t, "server:secret@tcp(db:3306)/ecocity?parseTime=true&multiStatements=true", cfg.DSN())
}
