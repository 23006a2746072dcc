package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldtest/fieldtest/internal/driver"
)

// fakeControl is an in-memory device backend for command tests.
type fakeControl struct {
	devices []driver.Device
}

func (f *fakeControl) ListDevices(ctx context.Context) ([]driver.Device, error) {
	return f.devices, nil
}

func (f *fakeControl) GrantCapability(ctx context.Context, deviceID, appID, capabilityID string) error {
	return nil
}

func (f *fakeControl) StartWatcher(ctx context.Context, deviceID string) (driver.WatcherHandle, error) {
	return driver.WatcherHandle{DeviceID: deviceID, PID: 42}, nil
}

func (f *fakeControl) StopWatcher(ctx context.Context, h driver.WatcherHandle) error {
	return nil
}

// testBackend returns a backend with one device whose driver presents
// a minimal stable UI, enough for the built-in smoke executor to pass.
func testBackend() *Backend {
	fake := driver.NewFake()
	fake.Show(driver.ElementRef{ID: "home", Role: driver.RoleText, Label: "Home"})
	return &Backend{
		Control: &fakeControl{devices: []driver.Device{
			{ID: "emu-1", Name: "emulator", Platform: "android", APILevel: 34},
		}},
		NewDriver: func(ctx context.Context, d driver.Device) (driver.Driver, error) {
			return fake, nil
		},
	}
}

func writeTestFile(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func execute(t *testing.T, backend *Backend, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(backend)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRunCommand_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	test := writeTestFile(t, dir, "login.yaml", "steps: [tap-login]")

	out, err := execute(t, testBackend(), "run", "--db", db, test)
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed")
	assert.NotContains(t, out, "cached")

	// Same content on the next invocation: served from the cache.
	out, err = execute(t, testBackend(), "run", "--db", db, test)
	require.NoError(t, err)
	assert.Contains(t, out, "cached")
}

func TestRunCommand_ManifestSource(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "cache.db")
	test := writeTestFile(t, dir, "login.yaml", "steps: []")
	manifest := writeTestFile(t, dir, "suite.yaml",
		"suite: smoke\ntests:\n  - path: "+test+"\n")

	out, err := execute(t, testBackend(), "run", "--db", db, "--manifest", manifest, "--suite", "smoke")
	require.NoError(t, err)
	assert.Contains(t, out, "suite smoke")
	assert.Contains(t, out, "1 passed")
}

func TestRunCommand_NoBackend(t *testing.T) {
	_, err := execute(t, nil, "run", "a.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_NoTests(t *testing.T) {
	_, err := execute(t, testBackend(), "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no tests")
}

func TestRunCommand_NoDevices(t *testing.T) {
	dir := t.TempDir()
	test := writeTestFile(t, dir, "a.yaml", "steps: []")

	backend := testBackend()
	backend.Control = &fakeControl{}

	_, err := execute(t, backend, "run", "--no-cache", test)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_FailureExitCode(t *testing.T) {
	dir := t.TempDir()
	test := writeTestFile(t, dir, "a.yaml", "steps: []")

	// A driver that always presents an empty tree fails the smoke check.
	backend := testBackend()
	backend.NewDriver = func(ctx context.Context, d driver.Device) (driver.Driver, error) {
		return driver.NewFake(), nil
	}

	out, err := execute(t, backend, "run", "--no-cache", test)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "0 passed, 1 failed")
}

func TestRunCommand_InterruptedRunFailsExitCode(t *testing.T) {
	dir := t.TempDir()
	test := writeTestFile(t, dir, "a.yaml", "steps: []")

	// Cancel the run during device provisioning, before any test
	// executes. The partial report holds no failed rows, but an
	// incomplete run must still exit non-zero.
	ctx, cancel := context.WithCancel(context.Background())
	backend := testBackend()
	inner := backend.NewDriver
	backend.NewDriver = func(ctx context.Context, d driver.Device) (driver.Driver, error) {
		cancel()
		return inner(ctx, d)
	}

	cmd := NewRootCommand(backend)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs([]string{"run", "--no-cache", test})
	err := cmd.ExecuteContext(ctx)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "run incomplete")
}

func TestRunCommand_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	test := writeTestFile(t, dir, "a.yaml", "steps: []")

	out, err := execute(t, testBackend(), "--format", "json", "run", "--no-cache", test)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
	assert.Contains(t, out, `"Passed":true`)
}
