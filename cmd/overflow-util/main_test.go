package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusexport/core"
	"github.com/INLOpen/nexusexport/datasource"
)

func TestList(t *testing.T) {
	baseDir := t.TempDir()
	gen := filepath.Join(baseDir, "7")
	require.NoError(t, os.Mkdir(gen, 0755))
	require.NoError(t, os.Mkdir(filepath.Join(baseDir, "8"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(baseDir, "scratch"), 0755))

	factory := datasource.NewFactory(core.CompressionNone, nil)
	src, err := factory.Create(core.SourceDescriptor{TableName: "ORDERS", Partition: 2, Signature: "ORDERS|sig", Epoch: 7, Directory: gen}, nil)
	require.NoError(t, err)
	require.NoError(t, src.Push(100, make([]byte, 2048), true, false))
	require.NoError(t, src.Close().Wait())

	var out bytes.Buffer
	require.NoError(t, list(&out, baseDir))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"7", "ORDERS", "2", "ORDERS|sig", "1", "100-100", "2.00", "0"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"8", "-", "-", "-", "0", "-", "0.00", "0"}, strings.Fields(lines[3]))
	assert.NotContains(t, out.String(), "scratch")
}

func TestList_Empty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, list(&out, t.TempDir()))
	assert.Equal(t, "No generations found.\n", out.String())

	assert.Error(t, list(&out, filepath.Join(t.TempDir(), "missing")))
}
