package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuongbtq/resqued/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestJobsCommand(t *testing.T) {
	out, err := execute(t, "jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"EchoJob", "SleepJob"}, strings.Fields(out))
}

func TestRun_ConfigErrorsExitWithTwo(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "nope.yaml")},
		{name: "malformed yaml", path: writeConfig(t, "supervisor: [")},
		{name: "no queues", path: writeConfig(t, "supervisor:\n  worker_pool:\n    count: 2\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "run", "--config", tt.path)
			require.Error(t, err)
			assert.Equal(t, supervisor.ExitConfigError, supervisor.ExitCode(err))
		})
	}
}

func TestEnqueue_RejectsMemoryBackend(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  queues: [default]\nqueue:\n  backend: memory\n")

	_, err := execute(t, "enqueue", "--config", path, "--queue", "default", "--class", "EchoJob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend")
}

func TestEnqueue_RequiresFlags(t *testing.T) {
	_, err := execute(t, "enqueue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	path := writeConfig(t, "supervisor:\n  queues: [default]\n")

	_, err := execute(t, "migrate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestReadArgs(t *testing.T) {
	args, err := readArgs(`[1, 2]`, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[1, 2]`, string(args))

	args, err = readArgs("", nil)
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = readArgs("-", strings.NewReader(`{"seconds":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"seconds":2}`, string(args))

	_, err = readArgs(`{oops`, nil)
	assert.Error(t, err)
}
