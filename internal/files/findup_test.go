package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "agent.py"), []byte(""), 0o644))

	p, err := FindUp("agent.py", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "agent.py"), p)

	p, err = FindUp("missing.py", nested)
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
