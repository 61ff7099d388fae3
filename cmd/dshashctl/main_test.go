package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnigres/dshash/internal/fs"
)

// Test helpers.

func runCtl(t *testing.T, env []string, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer

	err := run(args, env, &out, &errOut)

	return out.String(), errOut.String(), err
}

// isolatedEnv keeps the developer's global config out of the test.
func isolatedEnv(t *testing.T) []string {
	t.Helper()

	return []string{"XDG_CONFIG_HOME=" + t.TempDir()}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newSegment(t *testing.T, env []string, extra ...string) string {
	t.Helper()

	dir := t.TempDir()
	seg := filepath.Join(dir, "table.seg")

	args := append([]string{"new", "-C", dir, "--capacity", "1048576"}, extra...)
	args = append(args, "-e", "len", seg)

	stdout, stderr, err := runCtl(t, env, args...)
	require.NoError(t, err, "stderr: %s", stderr)
	require.Contains(t, stdout, "Entries: 0")

	return seg
}

func Test_New_Creates_Table_And_Descriptor_When_Segment_Is_Fresh(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	_, err := os.Stat(seg)
	require.NoError(t, err)

	desc, err := readDescriptor(fs.NewReal(), seg)
	require.NoError(t, err)
	assert.Equal(t, 16, desc.KeySize)
	assert.Equal(t, 32, desc.EntrySize)
	assert.Equal(t, hashXX, desc.Hash)
	assert.NotZero(t, desc.Identity)
}

func Test_Open_Sees_Entries_When_Written_By_Earlier_Session(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "put foo bar", "-e", "put baz qux", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, `OK: inserted "foo"`)

	stdout, _, err = runCtl(t, env, "-e", "put foo updated", "-e", "get foo", "-e", "len", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, `OK: updated "foo"`)
	assert.Contains(t, stdout, `Value: "updated"`)
	assert.Contains(t, stdout, "Entries: 2")
}

func Test_Exec_Reports_Deletes_And_Missing_Keys(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env,
		"-e", "put foo bar",
		"-e", "del foo",
		"-e", "del foo",
		"-e", "get foo",
		seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, `OK: deleted "foo"`)
	assert.Contains(t, stdout, `OK: "foo" did not exist`)
	assert.Contains(t, stdout, "(not found)")
}

func Test_Purge_Empties_Table_When_Entries_Exist(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "bulk 500", "-e", "purge", "-e", "len", "-e", "scan", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, "OK: inserted 500 entries")
	assert.Contains(t, stdout, "OK: purged 500 entries")
	assert.Contains(t, stdout, "Entries: 0")
	assert.Contains(t, stdout, "(empty)")
}

func Test_Scan_Stops_At_Limit_When_Table_Has_More_Entries(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "bulk 50", "-e", "scan 5", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, "  5. ")
	assert.NotContains(t, stdout, "  6. ")
	assert.Contains(t, stdout, "showing first 5")
}

func Test_Info_Reports_Growth_When_Many_Entries_Are_Inserted(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "bulk 2000", "-e", "info", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Entries:          2000")
	assert.NotContains(t, stdout, "(2^7)", "2000 entries do not fit 128 buckets")
}

func Test_Exec_Fails_When_Command_Is_Unknown(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "frobnicate", "-e", "len", seg)
	require.ErrorIs(t, err, errCommandFailed)
	assert.Contains(t, stdout, "Unknown command: frobnicate")
	assert.Contains(t, stdout, "Entries: 0", "later commands still run")
}

func Test_Exec_Stops_When_Exit_Is_Given(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	stdout, _, err := runCtl(t, env, "-e", "exit", "-e", "len", seg)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Bye!")
	assert.NotContains(t, stdout, "Entries:")
}

func Test_New_Fails_When_Table_Already_Exists(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	seg := newSegment(t, env)

	_, _, err := runCtl(t, env, "new", "-C", filepath.Dir(seg), "-e", "len", seg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table already exists")
}

func Test_Open_Fails_When_No_Descriptor_Exists(t *testing.T) {
	t.Parallel()

	seg := filepath.Join(t.TempDir(), "missing.seg")

	_, _, err := runCtl(t, isolatedEnv(t), "-e", "len", seg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no table at")
}

func Test_Run_Fails_When_No_Arguments_Are_Given(t *testing.T) {
	t.Parallel()

	_, stderr, err := runCtl(t, isolatedEnv(t))
	require.Error(t, err)
	assert.Contains(t, stderr, "Usage:")
}

func Test_New_Applies_Flags_Over_Config_File(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	dir := t.TempDir()
	seg := filepath.Join(dir, "table.seg")

	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// Project defaults
		"capacity": 1048576,
		"key_size": 8,
		"entry_size": 24,
		"hash": "fnv",
	}`)

	stdout, stderr, err := runCtl(t, env, "new", "-C", dir, "--key-size", "4", "-e", "info", seg)
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Key size:         4 bytes")
	assert.Contains(t, stdout, "Value size:       20 bytes")
	assert.Contains(t, stdout, "Hash:             fnv")

	desc, err := readDescriptor(fs.NewReal(), seg)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Identity: desc.Identity, KeySize: 4, EntrySize: 24, Hash: hashFNV}, desc)
}

func Test_New_Fails_When_Flags_Describe_Invalid_Table(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "EntrySmallerThanKey", args: []string{"--key-size", "16", "--entry-size", "8"}, want: "entry_size"},
		{name: "ZeroKey", args: []string{"--key-size", "0"}, want: "key_size"},
		{name: "UnknownHash", args: []string{"--hash", "md5"}, want: "unknown hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			seg := filepath.Join(dir, "table.seg")

			args := append([]string{"new", "-C", dir, "--capacity", "1048576"}, tt.args...)
			args = append(args, "-e", "len", seg)

			_, _, err := runCtl(t, isolatedEnv(t), args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			_, statErr := os.Stat(descriptorPath(seg))
			assert.True(t, os.IsNotExist(statErr), "no descriptor is written for a rejected table")
		})
	}
}

func Test_Verbose_Logs_Table_Events_To_Stderr(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	dir := t.TempDir()
	seg := filepath.Join(dir, "table.seg")

	_, stderr, err := runCtl(t, env, "new", "-C", dir, "--capacity", "1048576", "-v", "-e", "bulk 1000", seg)
	require.NoError(t, err)
	assert.True(t, strings.Contains(stderr, "level=DEBUG"), "stderr: %s", stderr)
}

func Test_Verbose_Logs_Config_Files_When_Project_Config_Is_Loaded(t *testing.T) {
	t.Parallel()

	env := isolatedEnv(t)
	dir := t.TempDir()
	seg := filepath.Join(dir, "table.seg")
	project := filepath.Join(dir, ConfigFileName)

	writeFile(t, project, `{"capacity": 1048576}`)

	_, stderr, err := runCtl(t, env, "new", "-C", dir, "-v", "-e", "len", seg)
	require.NoError(t, err)
	assert.Contains(t, stderr, "config loaded")
	assert.Contains(t, stderr, "project="+project)
}
