package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI against a fresh sqlite file and returns its output
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", ""))

	err := root.Execute()
	return out.String(), err
}

func useTempDatabase(t *testing.T) {
	t.Helper()
	t.Setenv("IATTEND_CONFIG_FILE", "")
	t.Setenv("IATTEND_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("IATTEND_LOG_LEVEL", "error")
}

func TestCLI_MigrateUp(t *testing.T) {
	useTempDatabase(t)

	out, err := execute(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "schema at version 2")

	out, err = execute(t, "migrate")
	require.NoError(t, err, "up is the default and is idempotent")
	assert.Contains(t, out, "schema at version 2")

	_, err = execute(t, "migrate", "sideways")
	assert.Error(t, err)
}

func TestCLI_SeedWithoutSecret(t *testing.T) {
	useTempDatabase(t)

	out, err := execute(t, "seed", "--students", "3", "--course", "chem")
	require.NoError(t, err)
	assert.Contains(t, out, "course chem owned by demo_teacher with 3 student(s)")
	assert.Contains(t, out, "X-User-ID")

	_, err = execute(t, "token", "demo_teacher", "teacher")
	assert.Error(t, err, "tokens need a secret")
}

func TestCLI_SeedPrintsTokens(t *testing.T) {
	useTempDatabase(t)
	t.Setenv("IATTEND_AUTH_SECRET", "cli-secret")

	out, err := execute(t, "seed", "--students", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "tokens (valid 12h0m0s)")
	assert.Contains(t, out, "demo_course_student_1")

	out, err = execute(t, "token", "demo_teacher", "teacher")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3, "a compact JWS has three parts")

	_, err = execute(t, "token", "demo_teacher", "janitor")
	assert.Error(t, err)

	_, err = execute(t, "seed", "--teacher", "bad id!")
	assert.Error(t, err)
}

func TestCLI_SweepWithNothingActive(t *testing.T) {
	useTempDatabase(t)

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "expired 0 session(s)")
}
