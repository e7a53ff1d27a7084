package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/transcodarr/internal/config"
)

func TestToMap_MasksSecretsAndFormatsValues(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("auth.api_key", "super-secret")
	v.Set("object_store.s3.secret_key", "aws-secret")
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	m := toMap(cfg)

	auth := m["auth"].(map[string]any)
	assert.Equal(t, redacted, auth["api_key"])

	s3 := m["object_store"].(map[string]any)["s3"].(map[string]any)
	assert.Equal(t, redacted, s3["secret_key"])

	redis := m["store"].(map[string]any)["redis"].(map[string]any)
	assert.Equal(t, "", redis["password"], "empty secrets stay empty")

	jobs := m["jobs"].(map[string]any)
	assert.Equal(t, (30 * time.Minute).String(), jobs["timeout"])

	server := m["server"].(map[string]any)
	assert.Equal(t, config.ByteSize(4<<30).String(), server["max_upload_size"])
}

func TestWriteConfig_IsValidYAML(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeConfig(&buf, cfg, "defaults"))

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &parsed))
	assert.Contains(t, parsed, "server")
	assert.Contains(t, parsed, "cleanup")
}
