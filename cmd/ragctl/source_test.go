package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("policy.md", "# Policy")
	write("network/firewall.txt", "Rules approved.")
	write("network/diagram.png", "binary")
	write(".git/config", "ignored")
	write(".hidden/notes.md", "ignored")

	docs, err := LoadDir(root, "eng-1", "alice")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "network/firewall.txt", docs[0].DocumentID)
	assert.Equal(t, "firewall.txt", docs[0].Filename)
	assert.Equal(t, "Rules approved.", string(docs[0].Content))
	assert.Equal(t, "policy.md", docs[1].DocumentID)
	assert.Equal(t, "eng-1", docs[1].ScopeID)
	assert.Equal(t, "alice", docs[1].UploadedBy)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"), "eng-1", "")
	assert.Error(t, err)
}
