package modkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *SandboxEngine {
	t.Helper()
	hub := NewChannelHub(4, testLogger())
	return NewSandboxEngine(hub, 2*time.Second, 64*1024, testLogger(), nil)
}

func TestExecuteReturnsScriptValue(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{Capabilities: []string{CapabilityLog}})
	require.NoError(t, err)

	result, err := engine.Execute(context.Background(), id, `
		function handle() {
			console.log("starting", "up");
			return { doubled: input.value * 2 };
		}
	`, ExecuteOptions{EntryFunc: "handle", Input: map[string]any{"value": 21}})
	require.NoError(t, err)

	value, ok := result.Value.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, value["doubled"])
	assert.Equal(t, []string{"starting up"}, result.Logs)

	info, ok := engine.SandboxInfo(id)
	require.True(t, ok)
	assert.Equal(t, SandboxActive, info.Status)
	assert.Equal(t, 1, info.Executions)
	assert.False(t, info.LastExecutedAt.IsZero())
}

func TestExecuteTimeoutFlagsSandboxUnusable(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	start := time.Now()
	_, err = engine.Execute(context.Background(), id, `while (true) {}`, ExecuteOptions{Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrSandboxTimeout)
	// The call returns at the timeout bound, give or take scheduler slack.
	assert.Less(t, elapsed, 500*time.Millisecond)

	info, ok := engine.SandboxInfo(id)
	require.True(t, ok)
	assert.Equal(t, SandboxError, info.Status)

	// A flagged sandbox is never reused.
	_, err = engine.Execute(context.Background(), id, `1`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrSandboxUnusable)
}

func TestExecuteZeroTimeoutFallsBackToDefault(t *testing.T) {
	hub := NewChannelHub(4, testLogger())
	engine := NewSandboxEngine(hub, 40*time.Millisecond, 64*1024, testLogger(), nil)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	// No timeout configured anywhere: the conservative default applies
	// instead of waiting forever.
	_, err = engine.Execute(context.Background(), id, `while (true) {}`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrSandboxTimeout)
}

func TestExecutionErrorIsCapturedNotPropagated(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), id, `throw new Error("module exploded")`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrSandboxExecution)
	assert.Contains(t, err.Error(), "module exploded")

	info, _ := engine.SandboxInfo(id)
	assert.Equal(t, SandboxError, info.Status)
}

func TestCapabilityAllowlistFailsClosed(t *testing.T) {
	engine := newTestEngine(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.txt"), []byte("hello"), 0o644))

	// Only log granted: fs access is denied even though fs exists as a
	// capability elsewhere in the engine.
	id, err := engine.CreateSandbox("m", root, SandboxLimits{Capabilities: []string{CapabilityLog}})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), id, `fs.readFile("data.txt")`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrCapabilityDenied)

	// A denial is a policy rejection, not a sandbox fault: the context
	// stays usable for whatever it is actually allowed to do.
	result, err := engine.Execute(context.Background(), id, `console.log("still here"); 1`, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"still here"}, result.Logs)

	// Granting fs as well makes the same read succeed.
	id2, err := engine.CreateSandbox("m2", root, SandboxLimits{Capabilities: []string{CapabilityLog, CapabilityFS}})
	require.NoError(t, err)
	result, err = engine.Execute(context.Background(), id2, `fs.readFile("data.txt")`, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Value)
}

func TestCreateSandboxRejectsUnknownCapability(t *testing.T) {
	engine := newTestEngine(t)
	_, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{Capabilities: []string{"network"}})
	require.ErrorIs(t, err, ErrCapabilityUnknown)
}

func TestPathTraversalRejectedUnconditionally(t *testing.T) {
	engine := newTestEngine(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("xx"), 0o644))
	root := t.TempDir()

	id, err := engine.CreateSandbox("m", root, SandboxLimits{Capabilities: []string{CapabilityFS}})
	require.NoError(t, err)

	for _, path := range []string{
		"../" + filepath.Base(outside) + "/secret.txt",
		"a/../../escape.txt",
		filepath.Join(outside, "secret.txt"), // absolute
	} {
		_, err := engine.Execute(context.Background(), id, `fs.readFile("`+path+`")`, ExecuteOptions{})
		require.ErrorIs(t, err, ErrPathTraversal, "path %q", path)
	}
}

func TestRequireResolvesUnderInstallRoot(t *testing.T) {
	engine := newTestEngine(t)
	root := t.TempDir()
	lib := "exports.greet = function(name) { return 'hi ' + name; };"
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib.js"), []byte(lib), 0o644))

	id, err := engine.CreateSandbox("m", root, SandboxLimits{})
	require.NoError(t, err)

	result, err := engine.Execute(context.Background(), id, `
		var lib = require("lib.js");
		lib.greet("mod");
	`, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi mod", result.Value)

	_, err = engine.Execute(context.Background(), id, `require("../outside.js")`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrPathTraversal)
}

func TestScriptSizeLimit(t *testing.T) {
	hub := NewChannelHub(4, testLogger())
	engine := NewSandboxEngine(hub, time.Second, 16, testLogger(), nil)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), id, `var aLongVariableName = "spilling over";`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrScriptTooLarge)
}

func TestDestroyInvalidatesHandle(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	require.NoError(t, engine.Destroy(id))

	_, err = engine.Execute(context.Background(), id, `1`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrSandboxNotFound)
	err = engine.Destroy(id)
	require.ErrorIs(t, err, ErrSandboxNotFound)

	_, ok := engine.SandboxForModule("m")
	assert.False(t, ok)
}

func TestErroredSandboxesListedForSweep(t *testing.T) {
	engine := newTestEngine(t)
	good, err := engine.CreateSandbox("good", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)
	bad, err := engine.CreateSandbox("bad", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), bad, `while (true) {}`, ExecuteOptions{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrSandboxTimeout)
	_, err = engine.Execute(context.Background(), good, `1`, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{bad}, engine.ErroredSandboxes())
	info, ok := engine.SandboxInfo(good)
	require.True(t, ok)
	assert.Equal(t, SandboxActive, info.Status)
}

func TestConcurrentExecutesNeverShareTheVM(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	var ran, rejected atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				result, err := engine.Execute(context.Background(), id, `1 + 1`, ExecuteOptions{})
				switch {
				case err == nil:
					assert.EqualValues(t, 2, result.Value)
					ran.Add(1)
				case assert.ErrorIs(t, err, ErrSandboxBusy):
					rejected.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 400, ran.Load()+rejected.Load())
	assert.Positive(t, ran.Load())

	info, ok := engine.SandboxInfo(id)
	require.True(t, ok)
	assert.Equal(t, SandboxActive, info.Status)
}

func TestExecuteRejectedWhileAnotherIsInFlight(t *testing.T) {
	engine := newTestEngine(t)
	id, err := engine.CreateSandbox("m", t.TempDir(), SandboxLimits{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Execute(context.Background(), id, `while (true) {}`, ExecuteOptions{Timeout: 300 * time.Millisecond})
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := engine.Execute(context.Background(), id, `1`, ExecuteOptions{})
		return errors.Is(err, ErrSandboxBusy)
	}, 200*time.Millisecond, 2*time.Millisecond)

	require.ErrorIs(t, <-done, ErrSandboxTimeout)
}
