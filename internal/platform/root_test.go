package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRoot(t *testing.T) {
	// base/
	//   repo/ (.notesync.yaml)
	//     subdir/
	//       nested/
	//   data/ (.notesync/)
	//   empty/
	baseDir := t.TempDir()
	repoDir := filepath.Join(baseDir, "repo")
	nestedDir := filepath.Join(repoDir, "subdir", "nested")
	dataDir := filepath.Join(baseDir, "data")
	emptyDir := filepath.Join(baseDir, "empty")

	require.NoError(t, os.MkdirAll(nestedDir, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, ".notesync"), 0755))
	require.NoError(t, os.MkdirAll(emptyDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, ConfigFile), []byte("principal: alice\n"), 0644))

	tests := []struct {
		name      string
		startPath string
		wantRoot  string
		wantErr   bool
	}{
		{name: "Start at Root", startPath: repoDir, wantRoot: repoDir},
		{name: "Start Nested Deeply", startPath: nestedDir, wantRoot: repoDir},
		{name: "Data Directory Marker", startPath: dataDir, wantRoot: dataDir},
		{name: "No Root Found", startPath: emptyDir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindRoot(tt.startPath)
			if tt.wantErr {
				// The temp dir may itself sit below a marker on odd hosts.
				if err == nil {
					t.Skipf("found an unrelated root at %s", got)
				}
				assert.ErrorIs(t, err, ErrRootNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Clean(tt.wantRoot), filepath.Clean(got))
		})
	}

	assert.Equal(t, filepath.Join(repoDir, ConfigFile), ConfigPath(nestedDir))
	assert.Empty(t, ConfigPath(dataDir))
}
