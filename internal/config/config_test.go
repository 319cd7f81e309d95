package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadLimit(t *testing.T) {
	assert.Equal(t, int64(DefaultMaxUploadBytes), Config{}.UploadLimit())
	assert.Equal(t, int64(1024), Config{MaxUploadBytes: 1024}.UploadLimit())
}

func TestConfigJSON(t *testing.T) {
	raw := `{
		"root": "/srv/media",
		"watermark": {"text": "family photos", "opacity": 0.25},
		"users": {"alice": {"bcrypt": "$2a$10$x"}},
		"acls": [{"path": "/public", "view": ["*"], "upload": ["alice"]}]
	}`
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, "/srv/media", cfg.Root)
	assert.Equal(t, "family photos", cfg.Watermark.Text)
	assert.InDelta(t, 0.25, cfg.Watermark.Opacity, 0.001)
	assert.Contains(t, cfg.Users, "alice")
	require.Len(t, cfg.ACLs, 1)
	assert.Equal(t, []string{"*"}, cfg.ACLs[0].View)
}
