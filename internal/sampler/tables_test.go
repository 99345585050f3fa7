package sampler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTables_Valid(t *testing.T) {
	require.NoError(t, DefaultTables().Validate())
}

func TestDefaultTables_FilesPerPageNeverZero(t *testing.T) {
	set, err := NewSet(DefaultTables(), NewRandSource(3))
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, uint32(set.FilesPerPage.Sample()), uint32(1))
	}
}

func TestLoadTables_OverridesAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dist.yaml")
	content := `
files_per_page:
  - {value: 2, p: 0}
  - {value: 2, p: 1}
think_time:
  - {value: 10, p: 0}
  - {value: 20, p: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tables, err := LoadTables(path)
	require.NoError(t, err)

	assert.Equal(t, []Point{{2, 0}, {2, 1}}, tables.FilesPerPage)
	assert.Equal(t, []Point{{10, 0}, {20, 1}}, tables.ThinkTime)
	assert.Equal(t, DefaultTables().PrimaryReply, tables.PrimaryReply)
}

func TestLoadTables_InvalidTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dist.yaml")
	content := `
primary_reply:
  - {value: 100, p: 0.9}
  - {value: 50, p: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadTables(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsortedTable)
	assert.Contains(t, err.Error(), "primary_reply")
}

func TestLoadTables_NaNProbability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dist.yaml")
	content := `
files_per_page:
  - {value: 0, p: 0}
  - {value: 10, p: .nan}
  - {value: 20, p: 1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := LoadTables(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProbabilityRange)
	assert.Contains(t, err.Error(), "files_per_page")
}

func TestLoadTables_MissingFile(t *testing.T) {
	_, err := LoadTables(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewSet_NamesBadTable(t *testing.T) {
	tables := DefaultTables()
	tables.SecondaryReply = nil

	_, err := NewSet(tables, NewRandSource(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyTable)
	assert.Contains(t, err.Error(), "secondary_reply")
}

func TestNewSet_SharedSourceIsDeterministic(t *testing.T) {
	a, err := NewSet(DefaultTables(), NewRandSource(99))
	require.NoError(t, err)
	b, err := NewSet(DefaultTables(), NewRandSource(99))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		assert.Equal(t, a.PrimaryResponse.Sample(), b.PrimaryResponse.Sample())
		assert.Equal(t, a.ThinkTime.Sample(), b.ThinkTime.Sample())
	}
}
