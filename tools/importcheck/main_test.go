package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleRespectsBoundaries(t *testing.T) {
	violations, err := check(filepath.Join("..", ".."), rules)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestCheckReportsForbiddenImport(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "escrow")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := "package escrow\n\nimport _ \"net/http\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leak.go"), []byte(src), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leak_test.go"), []byte(src), 0o600))

	violations, err := check(root, []rule{{dir: "pkg/escrow", forbidden: []string{"net/http"}}})
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "pkg/escrow/leak.go:3")
}

func TestCheckMissingDir(t *testing.T) {
	_, err := check(t.TempDir(), []rule{{dir: "pkg/nowhere"}})
	assert.Error(t, err)
}
