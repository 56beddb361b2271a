package modkit

import (
	"errors"
)

// Runtime errors
var (
	// Manifest and registry errors
	ErrManifestInvalid  = errors.New("manifest is invalid")
	ErrModuleNotFound   = errors.New("module not found")
	ErrSelfDependency   = errors.New("module declares a dependency on itself")
	ErrStatusTransition = errors.New("illegal module status transition")

	// Dependency resolution errors
	ErrMissingDependency      = errors.New("required dependency is not registered")
	ErrIncompatibleDependency = errors.New("dependency version does not satisfy constraint")
	ErrCircularDependency     = errors.New("circular dependency detected")

	// Initialization errors
	ErrEntryPointNotFound  = errors.New("module entry point not found")
	ErrBlockedByDependency = errors.New("blocked by failed dependency")
	ErrModuleNotActive     = errors.New("module is not active")

	// Version archive errors
	ErrVersionNotFound     = errors.New("version not found")
	ErrVersionExists       = errors.New("version already exists for module")
	ErrNoRollbackHistory   = errors.New("no previous version recorded for rollback")
	ErrDeleteLatestVersion = errors.New("cannot delete the latest version")

	// Sandbox errors
	ErrSandboxNotFound   = errors.New("sandbox not found")
	ErrSandboxBusy       = errors.New("sandbox already has an execution in flight")
	ErrSandboxUnusable   = errors.New("sandbox is in error state and cannot be reused")
	ErrSandboxTimeout    = errors.New("sandbox execution timed out")
	ErrSandboxExecution  = errors.New("sandbox execution failed")
	ErrCapabilityDenied  = errors.New("capability not in sandbox allowlist")
	ErrCapabilityUnknown = errors.New("capability is not part of the closed capability set")
	ErrPathTraversal     = errors.New("path escapes module install root")
	ErrScriptTooLarge    = errors.New("script exceeds sandbox size limit")

	// Channel errors
	ErrChannelNotFound    = errors.New("channel not found")
	ErrChannelFull        = errors.New("channel queue is full")
	ErrChannelClosed      = errors.New("channel is closed")
	ErrChannelNotEndpoint = errors.New("sandbox is not an endpoint of this channel")
	ErrReceiveTimeout     = errors.New("receive timed out")

	// Config errors
	ErrConfigSchemaViolation  = errors.New("config rejected by schema")
	ErrConfigInvalidStructure = errors.New("config structure must be a struct pointer")
	ErrConfigDefaultValue     = errors.New("cannot apply default value")

	// Discovery errors
	ErrManifestNotFound = errors.New("no manifest file in module root")
)
