package modkit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := &RuntimeConfig{
		SandboxTimeout:  2 * time.Second,
		MaxScriptSize:   64 * 1024,
		ChannelCapacity: 8,
		SweepSchedule:   "@every 1h",
	}
	rt, err := NewRuntime(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(rt.Shutdown)
	return rt
}

func registerRuntimeModule(t *testing.T, rt *Runtime, m Manifest, entrySource string) {
	t.Helper()
	if m.InstallPath == "" {
		m.InstallPath = writeModuleRoot(t, entrySource)
	}
	_, err := rt.RegisterManifest(context.Background(), m, false)
	require.NoError(t, err)
}

func TestRuntimeActivationLifecycle(t *testing.T) {
	rt := newTestRuntime(t)

	base := manifestFor("base", "1.0.0")
	base.Capabilities = []string{CapabilityLog}
	app := manifestFor("app", "1.0.0", Dependency{ModuleID: "base", VersionConstraint: "^1.0.0"})
	app.Capabilities = []string{CapabilityLog}
	registerRuntimeModule(t, rt, base, `console.log("base up")`)
	registerRuntimeModule(t, rt, app, `console.log("app up")`)

	require.NoError(t, rt.SetModuleActive(context.Background(), "base", true))
	require.NoError(t, rt.SetModuleActive(context.Background(), "app", true))

	for _, id := range []string{"base", "app"} {
		mod, err := rt.GetModule(id)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, mod.Status, "module %s", id)
		assert.True(t, mod.Active)
	}

	result, err := rt.ExecuteInModule(context.Background(), "app", `input.n + 1`, ExecuteOptions{Input: map[string]any{"n": 41}})
	require.NoError(t, err)
	assert.EqualValues(t, 42, result.Value)
}

func TestRuntimeActivationFailsOnMissingDependency(t *testing.T) {
	rt := newTestRuntime(t)
	m := manifestFor("orphan", "1.0.0", Dependency{ModuleID: "absent", VersionConstraint: "^1.0.0"})
	registerRuntimeModule(t, rt, m, `1`)

	err := rt.SetModuleActive(context.Background(), "orphan", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent")

	mod, err := rt.GetModule("orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusError, mod.Status)
}

func TestRuntimeDeactivationDestroysSandbox(t *testing.T) {
	rt := newTestRuntime(t)
	registerRuntimeModule(t, rt, manifestFor("mod", "1.0.0"), `1`)

	require.NoError(t, rt.SetModuleActive(context.Background(), "mod", true))
	first, ok := rt.SandboxEngine().SandboxForModule("mod")
	require.True(t, ok)

	require.NoError(t, rt.SetModuleActive(context.Background(), "mod", false))
	_, ok = rt.SandboxEngine().SandboxForModule("mod")
	assert.False(t, ok)
	mod, err := rt.GetModule("mod")
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, mod.Status)
	assert.False(t, mod.Active)

	// Reactivation builds a fresh sandbox, never the destroyed one.
	require.NoError(t, rt.SetModuleActive(context.Background(), "mod", true))
	second, ok := rt.SandboxEngine().SandboxForModule("mod")
	require.True(t, ok)
	assert.NotEqual(t, first, second)
}

func TestRuntimeUpdateModuleConfigValidatesSchema(t *testing.T) {
	rt := newTestRuntime(t)
	m := manifestFor("cfg", "1.0.0")
	m.ConfigSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{"type": "string"},
		},
		"required": []any{"level"},
	}
	m.Config = map[string]any{"level": "info"}
	registerRuntimeModule(t, rt, m, `1`)

	err := rt.UpdateModuleConfig("cfg", map[string]any{"level": 3})
	require.ErrorIs(t, err, ErrConfigSchemaViolation)
	mod, _ := rt.GetModule("cfg")
	assert.Equal(t, map[string]any{"level": "info"}, mod.Config)

	require.NoError(t, rt.UpdateModuleConfig("cfg", map[string]any{"level": "debug"}))
	mod, _ = rt.GetModule("cfg")
	assert.Equal(t, map[string]any{"level": "debug"}, mod.Config)
}

func TestRuntimeUpgradeBreaksDependentAndRollbackRestores(t *testing.T) {
	rt := newTestRuntime(t)

	lib := manifestFor("lib", "1.2.0")
	consumer := manifestFor("consumer", "1.0.0", Dependency{ModuleID: "lib", VersionConstraint: "^1.0.0"})
	registerRuntimeModule(t, rt, lib, `1`)
	registerRuntimeModule(t, rt, consumer, `1`)

	require.NoError(t, rt.SetModuleActive(context.Background(), "lib", true))
	require.NoError(t, rt.SetModuleActive(context.Background(), "consumer", true))

	// Archive the running version, then archive an incompatible major bump.
	_, err := rt.ArchiveCurrentVersion("lib")
	require.NoError(t, err)
	next, err := rt.GetModule("lib")
	require.NoError(t, err)
	next.Version = "2.0.0"
	_, err = rt.CreateVersion("lib", "2.0.0", next)
	require.NoError(t, err)

	require.NoError(t, rt.UpgradeModule(context.Background(), "lib", "2.0.0"))

	// The upgrade immediately surfaces the broken constraint on the
	// dependent module and tears its sandbox down.
	consumerMod, err := rt.GetModule("consumer")
	require.NoError(t, err)
	assert.Equal(t, StatusError, consumerMod.Status)
	_, ok := rt.SandboxEngine().SandboxForModule("consumer")
	assert.False(t, ok)

	libMod, err := rt.GetModule("lib")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", libMod.Version)
	assert.Equal(t, "1.2.0", libMod.PreviousVersion)

	// Suggestions point back at the archived compatible version.
	suggestions, err := rt.SuggestCompatibleVersions("consumer")
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "lib", suggestions[0].ModuleID)
	assert.Contains(t, suggestions[0].Satisfying, "1.2.0")

	require.NoError(t, rt.RollbackModule(context.Background(), "lib"))
	libMod, err = rt.GetModule("lib")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", libMod.Version)
	assert.Empty(t, libMod.PreviousVersion)
}

func TestRuntimeUpgradeReplacesRunningSandbox(t *testing.T) {
	rt := newTestRuntime(t)

	registerRuntimeModule(t, rt, manifestFor("svc", "1.0.0"), `var marker = "v1";`)
	require.NoError(t, rt.SetModuleActive(context.Background(), "svc", true))

	oldSandbox, ok := rt.SandboxEngine().SandboxForModule("svc")
	require.True(t, ok)

	_, err := rt.ArchiveCurrentVersion("svc")
	require.NoError(t, err)
	next, err := rt.GetModule("svc")
	require.NoError(t, err)
	next.Version = "1.1.0"
	next.InstallPath = writeModuleRoot(t, `var marker = "v2";`)
	_, err = rt.CreateVersion("svc", "1.1.0", next)
	require.NoError(t, err)

	require.NoError(t, rt.UpgradeModule(context.Background(), "svc", "1.1.0"))

	// The upgraded module is running again, in a fresh sandbox loaded with
	// the new version's entry code.
	svc, err := rt.GetModule("svc")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, svc.Status)
	assert.Equal(t, "1.1.0", svc.Version)

	newSandbox, ok := rt.SandboxEngine().SandboxForModule("svc")
	require.True(t, ok)
	assert.NotEqual(t, oldSandbox, newSandbox)

	result, err := rt.ExecuteInModule(context.Background(), "svc", `marker`, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", result.Value)
}

func TestRuntimeCreateChannelBetweenModules(t *testing.T) {
	rt := newTestRuntime(t)

	a := manifestFor("a", "1.0.0")
	a.Capabilities = []string{CapabilityChannel}
	b := manifestFor("b", "1.0.0")
	b.Capabilities = []string{CapabilityChannel}
	registerRuntimeModule(t, rt, a, `1`)
	registerRuntimeModule(t, rt, b, `1`)
	require.NoError(t, rt.SetModuleActive(context.Background(), "a", true))
	require.NoError(t, rt.SetModuleActive(context.Background(), "b", true))

	channelID, err := rt.CreateChannel("a", "b")
	require.NoError(t, err)

	_, err = rt.ExecuteInModule(context.Background(), "a",
		`channel.send(input.channel, {greeting: "hello"})`,
		ExecuteOptions{Input: map[string]any{"channel": channelID}})
	require.NoError(t, err)

	result, err := rt.ExecuteInModule(context.Background(), "b",
		`channel.receive(input.channel, 200)`,
		ExecuteOptions{Input: map[string]any{"channel": channelID}})
	require.NoError(t, err)
	value, ok := result.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", value["greeting"])
}

func TestRuntimeExecuteInInactiveModule(t *testing.T) {
	rt := newTestRuntime(t)
	registerRuntimeModule(t, rt, manifestFor("idle", "1.0.0"), `1`)

	_, err := rt.ExecuteInModule(context.Background(), "idle", `1`, ExecuteOptions{})
	require.ErrorIs(t, err, ErrModuleNotActive)
}

func TestRuntimeDiscoverAndInitialize(t *testing.T) {
	rt := newTestRuntime(t)

	base := t.TempDir()
	root := writeManifestRoot(t, base, "hello", "module.json",
		`{"moduleId": "hello", "name": "Hello", "version": "1.0.0", "entryPoint": "entry.js", "capabilities": ["log"]}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "entry.js"), []byte(`console.log("discovered")`), 0o644))

	result, err := rt.DiscoverModules(context.Background(), base)
	require.NoError(t, err)
	require.Len(t, result.Registered, 1)

	require.NoError(t, rt.SetModuleActive(context.Background(), "hello", true))
	mod, err := rt.GetModule("hello")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, mod.Status)
}

func TestRuntimeSweepDestroysErroredSandboxes(t *testing.T) {
	rt := newTestRuntime(t)
	registerRuntimeModule(t, rt, manifestFor("mod", "1.0.0"), `1`)
	require.NoError(t, rt.SetModuleActive(context.Background(), "mod", true))

	id, ok := rt.SandboxEngine().SandboxForModule("mod")
	require.True(t, ok)
	_, err := rt.SandboxEngine().Execute(context.Background(), id, `while (true) {}`,
		ExecuteOptions{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrSandboxTimeout)

	rt.maintenance.Sweep()

	_, ok = rt.SandboxEngine().SandboxForModule("mod")
	assert.False(t, ok)
}
