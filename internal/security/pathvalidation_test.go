package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmp := t.TempDir()
	mapDir := filepath.Join(tmp, "map")
	outside := filepath.Join(tmp, "outside")
	require.NoError(t, os.MkdirAll(mapDir, 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(mapDir, "color_data_2024-05-01T12:00:00.0000Z.osa"), nil, 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(mapDir, "link")))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing archive", filepath.Join(mapDir, "color_data_2024-05-01T12:00:00.0000Z.osa"), false},
		{"not yet written", filepath.Join(mapDir, "debug", "plot.png"), false},
		{"dir itself", mapDir, false},
		{"parent traversal", filepath.Join(mapDir, "..", "outside", "x.osa"), true},
		{"sibling", filepath.Join(outside, "x.osa"), true},
		{"through symlink", filepath.Join(mapDir, "link", "x.osa"), true},
		{"relative escape", mapDir + "/../../etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, mapDir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	err := ValidatePathWithinDirectory("/x/y", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"color":          "color",
		"front cam/left": "front_cam_left",
		"a  b":           "a_b",
		"../../etc":      "etc",
		"":               "unknown",
		"///":            "unknown",
		"rgb-2.v1":       "rgb-2.v1",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 300)), 128)
}
