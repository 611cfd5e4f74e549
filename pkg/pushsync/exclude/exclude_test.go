package exclude_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/pushsync/pkg/pushsync/exclude"
)

func TestDefaultRules(t *testing.T) {
	t.Parallel()

	rs := exclude.Default()

	tests := []struct {
		path string
		want bool
	}{
		{"src/main.go", false},
		{"data/file_sync.db", true},
		{"data/FILE.DB", true},
		{"cache/x.db-journal", true},
		{"mod/__pycache__/m.cpython.pyc", true},
		{".git/config", true},
		{"a/backups/b.txt", true},
		{"notes/logs.txt", false},
		{".bashrc", false},
		{"trailing.", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rs.Excluded(tt.path))
		})
	}
}

// logs/app.log is excluded by a dir rule alone and by an extension rule alone.
func TestLogsExcludedByEitherRule(t *testing.T) {
	t.Parallel()

	byDir, err := exclude.New(exclude.WithDirectories("logs"))
	require.NoError(t, err)
	assert.Equal(t, "dir:logs", byDir.Reason("logs/app.log"))

	byExt, err := exclude.New(exclude.WithExtensions(".log"))
	require.NoError(t, err)
	assert.Equal(t, "ext:.log", byExt.Reason("logs/app.log"))

	none, err := exclude.New()
	require.NoError(t, err)
	assert.False(t, none.Excluded("logs/app.log"))
}

func TestExplicitPaths(t *testing.T) {
	t.Parallel()

	rs, err := exclude.New(exclude.WithPaths("build/out", "secret.txt"))
	require.NoError(t, err)

	assert.True(t, rs.Excluded("build/out"))
	assert.True(t, rs.Excluded("build/out/bin/app"))
	assert.False(t, rs.Excluded("build/output.txt"))
	assert.True(t, rs.Excluded("secret.txt"))
	assert.False(t, rs.Excluded("dir/secret.txt"))
	assert.True(t, rs.ExcludedDir("build/out"))
}

func TestParseRuleFile(t *testing.T) {
	t.Parallel()

	rules := `
# project rules
ext:TMP
ext: .bak
dir:node_modules
path:vendor/generated
glob:**/*.min.js

ext:tmp
`
	rs, err := exclude.New(exclude.WithDefaults())
	require.NoError(t, err)
	require.NoError(t, rs.Parse(strings.NewReader(rules)))

	assert.Contains(t, rs.Extensions(), ".tmp")
	assert.Contains(t, rs.Extensions(), ".bak")
	assert.Contains(t, rs.Extensions(), ".log")
	assert.Len(t, rs.Extensions(), len(exclude.DefaultExtensions)+2, "duplicates collapse")
	assert.Contains(t, rs.Directories(), "node_modules")
	assert.Equal(t, []string{"vendor/generated"}, rs.Paths())

	assert.True(t, rs.Excluded("x/y.TMP"))
	assert.True(t, rs.Excluded("web/node_modules/react/index.js"))
	assert.True(t, rs.Excluded("vendor/generated/a.go"))
	assert.True(t, rs.Excluded("static/js/app.min.js"))
	assert.False(t, rs.Excluded("static/js/app.js"))
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	t.Parallel()

	rs, err := exclude.New()
	require.NoError(t, err)
	err = rs.Parse(strings.NewReader("ext:.tmp\nsuffix:.bak\n"))
	require.ErrorIs(t, err, exclude.ErrInvalidDirective)
	assert.Contains(t, err.Error(), "line 2")
}

func TestWithFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	rs, err := exclude.New(exclude.WithDefaults(), exclude.WithFile(filepath.Join(dir, "missing.conf")))
	require.NoError(t, err, "missing rule file means defaults only")
	assert.ElementsMatch(t, exclude.DefaultDirectories, rs.Directories())

	conf := filepath.Join(dir, "exclude.conf")
	require.NoError(t, os.WriteFile(conf, []byte("dir:tmp\n"), 0o644))
	rs, err = exclude.New(exclude.WithDefaults(), exclude.WithFile(conf))
	require.NoError(t, err)
	assert.True(t, rs.Excluded("tmp/x"))

	require.NoError(t, os.WriteFile(conf, []byte("glob:[\n"), 0o644))
	_, err = exclude.New(exclude.WithFile(conf))
	require.Error(t, err)
}

func TestNilRuleSetExcludesNothing(t *testing.T) {
	t.Parallel()

	var rs *exclude.RuleSet
	assert.False(t, rs.Excluded("anything.db"))
	assert.False(t, rs.ExcludedDir(".git"))
}
