package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/features"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)

		assert.Equal(t, "linker", cfg.AppName)
		assert.Equal(t, 120*time.Second, cfg.LinkingLeaseTTL)
		assert.Equal(t, 0.75, cfg.Engine().MinimumScore)
		assert.Equal(t, 100, cfg.Discovery().LoadSize)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Producer().Brokers)
		assert.Equal(t, 100*time.Millisecond, cfg.Producer().BatchTimeout)
	})

	t.Run("environment and dotenv", func(t *testing.T) {
		typeID := uuid.New()
		dir := t.TempDir()
		envFile := filepath.Join(dir, ".env")
		require.NoError(t, os.WriteFile(envFile, []byte("LINKING_PARALLELISM=9\n"), 0o600))
		t.Setenv("LINKING_ENTITY_TYPES", typeID.String())
		t.Setenv("LINKING_LOAD_SIZE", "25")
		t.Setenv("LINKING_BACKGROUND_ENABLED", "false")
		t.Cleanup(func() { _ = os.Unsetenv("LINKING_PARALLELISM") })

		cfg, err := Load(envFile)
		require.NoError(t, err)

		assert.Equal(t, []uuid.UUID{typeID}, cfg.Discovery().LinkableTypes)
		assert.Equal(t, 25, cfg.Discovery().LoadSize)
		assert.Equal(t, 9, cfg.Service().Parallelism)
		assert.False(t, cfg.Service().Enabled)
	})

	t.Run("rejects unknown backends", func(t *testing.T) {
		t.Setenv("LINKING_QUEUE_BACKEND", "kafka")
		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.Error(t, err)
	})

	t.Run("auth needs an issuer", func(t *testing.T) {
		t.Setenv("AUTH_ENABLED", "true")
		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.Error(t, err)
	})
}

func TestFeatureSchema(t *testing.T) {
	t.Run("person schema from ids", func(t *testing.T) {
		ssn := uuid.New()
		cfg := &Config{PersonPropertyIDs: map[string]string{features.PersonSSN: ssn.String()}}
		schema, err := cfg.FeatureSchema()
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{ssn}, schema.PropertyTypeIDs())
	})

	t.Run("no ids and no file", func(t *testing.T) {
		_, err := (&Config{}).FeatureSchema()
		assert.Error(t, err)
	})

	t.Run("bad id", func(t *testing.T) {
		_, err := (&Config{PersonPropertyIDs: map[string]string{features.PersonSSN: "nope"}}).FeatureSchema()
		assert.Error(t, err)
	})
}
