package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 2*time.Second, cfg.OutboxPollInterval)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.Equal(t, time.Minute, cfg.OutboxClaimLease)
	require.Equal(t, []string{"steps_daily", "activity_sessions"}, cfg.ConsumerTopics)
	require.Equal(t, time.Minute, cfg.DLQBaseDelay)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("OUTBOX_POLL_INTERVAL", "500ms")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	require.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDRESS=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HTTP_ADDRESS") })

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddress)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OUTBOX_BATCH_SIZE", "0")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("OUTBOX_BATCH_SIZE", "ten")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadDeviceAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
user_id: user-1
api:
  url: http://localhost:8080/
  token: abc
source: simulation
fallback_to_simulation: true
simulation:
  interval: 500ms
detector:
  refractory_period: 250ms
  strict: true
`), 0o600))

	cfg, err := LoadDevice(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.API.URL)
	require.Equal(t, DefaultAPITimeout, cfg.API.Timeout)
	require.Equal(t, SourceSimulation, cfg.Source)
	require.Equal(t, 500*time.Millisecond, cfg.Simulation.Interval)
	require.Equal(t, 250*time.Millisecond, cfg.Detector.RefractoryPeriod)
	require.True(t, cfg.Detector.Strict)
	require.Equal(t, DefaultAutosaveEvery, cfg.AutosaveEvery)
	require.Equal(t, DefaultFlushSchedule, cfg.FlushSchedule)
	require.Equal(t, DefaultRolloverSchedule, cfg.RolloverSchedule)
	require.Equal(t, DefaultQueuePath, cfg.QueuePath)
}

func TestLoadDeviceValidation(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing user": "api:\n  url: http://x\n",
		"missing api":  "user_id: u\n",
		"bad source":   "user_id: u\napi:\n  url: http://x\nsource: radar\n",
		"fit no path":  "user_id: u\napi:\n  url: http://x\nsource: fit\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := LoadDevice(path)
			require.Error(t, err)
		})
	}

	_, err := LoadDevice(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestWriteDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	in := &Device{UserID: "u", API: APIConfig{URL: "http://x"}, Source: SourceFIT, FIT: FITConfig{Path: "run.fit", Speed: 10}}
	require.NoError(t, WriteDevice(path, in))

	out, err := LoadDevice(path)
	require.NoError(t, err)
	require.Equal(t, "run.fit", out.FIT.Path)
	require.Equal(t, 10.0, out.FIT.Speed)
}
