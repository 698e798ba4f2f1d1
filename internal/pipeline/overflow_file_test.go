package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/model"
)

func TestFileOverflowExporter_WritesOneJSONLinePerBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.jsonl")
	exp := NewFileOverflowExporter(config.FileOverflowConfig{Path: path})

	exp.Export([]model.TelemetryPoint{pointFor("dev-1", "t1", 1000)})
	exp.Export([]model.TelemetryPoint{pointFor("dev-1", "t1", 1001)})
	require.NoError(t, exp.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var env overflowEnvelope
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &env))
		assert.Len(t, env.Points, 1)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestFileOverflowExporter_EmptyBatchWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.jsonl")
	exp := NewFileOverflowExporter(config.FileOverflowConfig{Path: path})
	exp.Export(nil)
	require.NoError(t, exp.Close())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
