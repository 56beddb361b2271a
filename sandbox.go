package modkit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// Capability names form a closed set. The engine constructs only the granted
// capability objects inside a sandbox; anything else fails closed at call
// time with ErrCapabilityDenied, even if a symbol of that name exists in the
// host process.
const (
	CapabilityLog     = "log"
	CapabilityFS      = "fs"
	CapabilityCrypto  = "crypto"
	CapabilityChannel = "channel"
)

var knownCapabilities = map[string]bool{
	CapabilityLog:     true,
	CapabilityFS:      true,
	CapabilityCrypto:  true,
	CapabilityChannel: true,
}

// SandboxStatus describes the lifecycle of an isolated execution context.
type SandboxStatus string

const (
	SandboxCreated SandboxStatus = "created"
	SandboxActive  SandboxStatus = "active"
	SandboxError   SandboxStatus = "error"
)

// SandboxLimits bounds a sandbox's execution. A zero Timeout falls back to
// the engine default; there is no way to configure "wait forever".
type SandboxLimits struct {
	// Timeout is the hard wall-clock bound per execution.
	Timeout time.Duration

	// MaxScriptSize bounds the byte size of any script passed to Execute,
	// the closest enforceable proxy for a memory ceiling in the VM.
	MaxScriptSize int

	// Capabilities is the allowlist of capability names granted to the
	// sandbox. Names outside the closed set are rejected at creation.
	Capabilities []string
}

// SandboxInfo is the externally visible state of a sandbox.
type SandboxInfo struct {
	SandboxID      string        `json:"sandboxId"`
	ModuleID       string        `json:"moduleId"`
	Limits         SandboxLimits `json:"limits"`
	Status         SandboxStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastExecutedAt time.Time     `json:"lastExecutedAt,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	Executions     int           `json:"executions"`
	TotalDuration  time.Duration `json:"totalDuration"`
}

// ExecuteOptions tunes a single execution.
type ExecuteOptions struct {
	// Timeout overrides the sandbox timeout for this call only.
	Timeout time.Duration

	// EntryFunc, when non-empty, names a global function to call after the
	// script body has run; its return value becomes the result.
	EntryFunc string

	// Input is exposed to the script as the global "input" object.
	Input map[string]any
}

// ExecutionResult carries the outcome of one sandboxed execution.
type ExecutionResult struct {
	Value    any           `json:"value,omitempty"`
	Logs     []string      `json:"logs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// sandbox is the engine-private execution context. The VM is owned
// exclusively by the engine; destruction is the only release path. A goja
// runtime is not safe for concurrent use, so at most one execution may be in
// flight per sandbox: busy gates admission under the engine lock, and the
// fields below it are touched only by the single running execution.
type sandbox struct {
	info        SandboxInfo
	vm          *goja.Runtime
	installRoot string
	granted     map[string]bool
	hub         *ChannelHub
	busy        bool

	// set by host callbacks when a policy check fails, so the outcome can
	// map the resulting JS exception to the right sentinel
	capViolation  string
	pathViolation string

	logs []string
}

// SandboxEngine creates, executes in, and destroys isolated per-module
// execution contexts. Errors never unwind out of the engine as panics: every
// sandbox fault is caught at this boundary and converted to a result.
type SandboxEngine struct {
	mu        sync.Mutex
	sandboxes map[string]*sandbox
	byModule  map[string]string

	hub            *ChannelHub
	defaultTimeout time.Duration
	maxScriptSize  int
	logger         Logger
	emitter        *SignalEmitter
}

// NewSandboxEngine creates an engine. defaultTimeout guards executions whose
// limits carry no timeout; zero falls back to a conservative 5s bound.
func NewSandboxEngine(hub *ChannelHub, defaultTimeout time.Duration, maxScriptSize int, logger Logger, emitter *SignalEmitter) *SandboxEngine {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	if maxScriptSize <= 0 {
		maxScriptSize = 256 * 1024
	}
	return &SandboxEngine{
		sandboxes:      make(map[string]*sandbox),
		byModule:       make(map[string]string),
		hub:            hub,
		defaultTimeout: defaultTimeout,
		maxScriptSize:  maxScriptSize,
		logger:         logger,
		emitter:        emitter,
	}
}

// CreateSandbox allocates an isolated execution context for a module and
// returns its id. The context exposes only the granted capabilities;
// capability names outside the closed set are rejected up front.
func (e *SandboxEngine) CreateSandbox(moduleID, installRoot string, limits SandboxLimits) (string, error) {
	granted := make(map[string]bool, len(limits.Capabilities))
	for _, name := range limits.Capabilities {
		if !knownCapabilities[name] {
			return "", fmt.Errorf("%w: %q", ErrCapabilityUnknown, name)
		}
		granted[name] = true
	}

	s := &sandbox{
		info: SandboxInfo{
			SandboxID: uuid.NewString(),
			ModuleID:  moduleID,
			Limits:    limits,
			Status:    SandboxCreated,
			CreatedAt: time.Now(),
		},
		vm:          goja.New(),
		installRoot: installRoot,
		granted:     granted,
		hub:         e.hub,
	}
	s.installGlobals()

	e.mu.Lock()
	e.sandboxes[s.info.SandboxID] = s
	e.byModule[moduleID] = s.info.SandboxID
	e.mu.Unlock()

	e.logger.Info("Sandbox created", "sandbox", s.info.SandboxID, "module", moduleID, "capabilities", limits.Capabilities)
	return s.info.SandboxID, nil
}

// SandboxInfo returns the visible state of a sandbox.
func (e *SandboxEngine) SandboxInfo(sandboxID string) (SandboxInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sandboxes[sandboxID]
	if !ok {
		return SandboxInfo{}, false
	}
	info := s.info
	info.Limits.Capabilities = append([]string(nil), s.info.Limits.Capabilities...)
	return info, true
}

// SandboxForModule returns the id of the module's sandbox, if one exists.
func (e *SandboxEngine) SandboxForModule(moduleID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byModule[moduleID]
	return id, ok
}

// execOutcome carries everything a finished execution produced. Logs and
// policy-violation markers are snapshotted into it by the execution goroutine
// so the caller never reads sandbox fields a later execution might reset.
type execOutcome struct {
	value any
	logs  []string
	err   error

	capViolation  string
	pathViolation string
}

// Execute runs code inside the sandbox under a hard wall-clock timeout.
// On timeout the call returns ErrSandboxTimeout within the bound, the VM is
// interrupted, and the sandbox is flagged unusable: a context that could not
// be preempted mid-instruction must be destroyed, never reused. Uncaught
// failures inside the sandbox are captured and returned, never re-raised
// into host code.
//
// A goja runtime must never be driven from two goroutines, so each sandbox
// admits one execution at a time: a call arriving while another is in flight
// is rejected with ErrSandboxBusy instead of queueing.
func (e *SandboxEngine) Execute(ctx context.Context, sandboxID, code string, opts ExecuteOptions) (*ExecutionResult, error) {
	e.mu.Lock()
	s, ok := e.sandboxes[sandboxID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	if s.info.Status == SandboxError {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxUnusable, sandboxID)
	}
	if s.busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxBusy, sandboxID)
	}
	maxSize := s.info.Limits.MaxScriptSize
	if maxSize <= 0 {
		maxSize = e.maxScriptSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.info.Limits.Timeout
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if len(code) > maxSize {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrScriptTooLarge, len(code), maxSize)
	}
	s.busy = true
	e.mu.Unlock()

	start := time.Now()
	outcomeCh := make(chan execOutcome, 1)
	go func() {
		outcome := s.run(code, opts)
		outcome.logs = append([]string(nil), s.logs...)
		outcome.capViolation = s.capViolation
		outcome.pathViolation = s.pathViolation
		e.mu.Lock()
		s.busy = false
		e.mu.Unlock()
		outcomeCh <- outcome
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome execOutcome
	select {
	case outcome = <-outcomeCh:
	case <-timer.C:
		s.vm.Interrupt("execution timeout")
		e.failSandbox(s, ErrSandboxTimeout.Error())
		e.emitter.Emit(ctx, EventTypeModuleExecuted, s.info.ModuleID)
		return nil, fmt.Errorf("%w: %s after %s", ErrSandboxTimeout, sandboxID, timeout)
	case <-ctx.Done():
		s.vm.Interrupt("execution cancelled")
		e.failSandbox(s, ctx.Err().Error())
		return nil, fmt.Errorf("%w: %s: %v", ErrSandboxTimeout, sandboxID, ctx.Err())
	}

	duration := time.Since(start)
	result := &ExecutionResult{
		Logs:     outcome.logs,
		Duration: duration,
	}

	e.mu.Lock()
	s.info.LastExecutedAt = time.Now()
	s.info.Executions++
	s.info.TotalDuration += duration
	e.mu.Unlock()

	if outcome.err != nil {
		err := e.classifyError(s, outcome)
		e.emitter.Emit(ctx, EventTypeModuleExecuted, s.info.ModuleID)
		return result, err
	}

	result.Value = outcome.value
	e.mu.Lock()
	s.info.Status = SandboxActive
	e.mu.Unlock()
	e.emitter.Emit(ctx, EventTypeModuleExecuted, s.info.ModuleID)
	return result, nil
}

// Destroy releases a sandbox's execution context. All handles to it become
// invalid and any channels it is an endpoint of are closed. Destroy is the
// only release path, so cleanup happens on every exit route including
// timeout and error.
func (e *SandboxEngine) Destroy(sandboxID string) error {
	e.mu.Lock()
	s, ok := e.sandboxes[sandboxID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	delete(e.sandboxes, sandboxID)
	if e.byModule[s.info.ModuleID] == sandboxID {
		delete(e.byModule, s.info.ModuleID)
	}
	e.mu.Unlock()

	if e.hub != nil {
		e.hub.CloseForSandbox(sandboxID)
	}
	e.logger.Info("Sandbox destroyed", "sandbox", sandboxID, "module", s.info.ModuleID)
	return nil
}

// DestroyAll tears down every sandbox, used on process teardown and by the
// maintenance sweeper for errored contexts.
func (e *SandboxEngine) DestroyAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sandboxes))
	for id := range e.sandboxes {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Destroy(id)
	}
}

// ErroredSandboxes lists the ids of sandboxes flagged unusable.
func (e *SandboxEngine) ErroredSandboxes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, s := range e.sandboxes {
		if s.info.Status == SandboxError {
			out = append(out, id)
		}
	}
	return out
}

func (e *SandboxEngine) failSandbox(s *sandbox, msg string) {
	e.mu.Lock()
	s.info.Status = SandboxError
	s.info.LastError = msg
	s.info.LastExecutedAt = time.Now()
	e.mu.Unlock()
	e.logger.Error("Sandbox failed", "sandbox", s.info.SandboxID, "module", s.info.ModuleID, "error", msg)
}

// classifyError maps a goja failure to the engine's error taxonomy. Policy
// rejections (capability, path) leave the sandbox usable; genuine execution
// faults and interrupts flag it unusable.
func (e *SandboxEngine) classifyError(s *sandbox, outcome execOutcome) error {
	if outcome.capViolation != "" {
		return fmt.Errorf("%w: %q", ErrCapabilityDenied, outcome.capViolation)
	}
	if outcome.pathViolation != "" {
		return fmt.Errorf("%w: %q", ErrPathTraversal, outcome.pathViolation)
	}
	if _, ok := outcome.err.(*goja.InterruptedError); ok {
		e.failSandbox(s, ErrSandboxTimeout.Error())
		return fmt.Errorf("%w: %s", ErrSandboxTimeout, s.info.SandboxID)
	}
	e.failSandbox(s, outcome.err.Error())
	return fmt.Errorf("%w: %v", ErrSandboxExecution, outcome.err)
}

// run executes inside the sandbox goroutine. goja raises JS exceptions and
// interrupts as panics; they are recovered here so nothing ever unwinds into
// the host.
func (s *sandbox) run(code string, opts ExecuteOptions) (outcome execOutcome) {
	s.capViolation = ""
	s.pathViolation = ""
	s.logs = nil

	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				outcome = execOutcome{err: err}
				return
			}
			outcome = execOutcome{err: fmt.Errorf("%v", r)}
		}
	}()

	input := opts.Input
	if input == nil {
		input = map[string]any{}
	}
	if err := s.vm.Set("input", input); err != nil {
		return execOutcome{err: err}
	}

	value, err := s.vm.RunString(code)
	if err != nil {
		return execOutcome{err: err}
	}

	if opts.EntryFunc != "" {
		entry, ok := goja.AssertFunction(s.vm.Get(opts.EntryFunc))
		if !ok {
			return execOutcome{err: fmt.Errorf("entry %q is not a function", opts.EntryFunc)}
		}
		value, err = entry(goja.Undefined())
		if err != nil {
			return execOutcome{err: err}
		}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return execOutcome{}
	}
	return execOutcome{value: value.Export()}
}

// installGlobals wires the restricted symbol table. Every known capability
// gets an object; ungranted ones expose the same methods but fail closed.
// The require loader is always present and resolves strictly under the
// module's own install root.
func (s *sandbox) installGlobals() {
	vm := s.vm

	s.installConsole()
	s.installFS()
	s.installCrypto()
	s.installChannel()

	vm.Set("require", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("require: path argument required"))
		}
		rel := call.Arguments[0].String()
		full, err := s.resolveUnderRoot(rel)
		if err != nil {
			s.pathViolation = rel
			panic(vm.ToValue(err.Error()))
		}
		content, err := os.ReadFile(full)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("require: %v", err)))
		}
		wrapped := "(function(exports){" + string(content) + "\nreturn exports;})({})"
		v, err := vm.RunString(wrapped)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("require: %v", err)))
		}
		return v
	})
}

func (s *sandbox) deny(name string) {
	s.capViolation = name
	panic(s.vm.ToValue(fmt.Sprintf("capability denied: %s", name)))
}

func (s *sandbox) guard(name string) {
	if !s.granted[name] {
		s.deny(name)
	}
}

func (s *sandbox) installConsole() {
	vm := s.vm
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityLog)
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		s.logs = append(s.logs, strings.Join(parts, " "))
		return goja.Undefined()
	}
	console.Set("log", logFn)
	console.Set("info", logFn)
	console.Set("warn", logFn)
	console.Set("error", logFn)
	vm.Set("console", console)
}

func (s *sandbox) installFS() {
	vm := s.vm
	fsObj := vm.NewObject()
	fsObj.Set("readFile", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityFS)
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("fs.readFile: path argument required"))
		}
		rel := call.Arguments[0].String()
		full, err := s.resolveUnderRoot(rel)
		if err != nil {
			s.pathViolation = rel
			panic(vm.ToValue(err.Error()))
		}
		content, err := os.ReadFile(full)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("fs.readFile: %v", err)))
		}
		return vm.ToValue(string(content))
	})
	fsObj.Set("exists", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityFS)
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		full, err := s.resolveUnderRoot(call.Arguments[0].String())
		if err != nil {
			s.pathViolation = call.Arguments[0].String()
			panic(vm.ToValue(err.Error()))
		}
		_, statErr := os.Stat(full)
		return vm.ToValue(statErr == nil)
	})
	vm.Set("fs", fsObj)
}

func (s *sandbox) installCrypto() {
	vm := s.vm
	cryptoObj := vm.NewObject()
	cryptoObj.Set("sha256", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityCrypto)
		if len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		sum := sha256.Sum256([]byte(call.Arguments[0].String()))
		return vm.ToValue(fmt.Sprintf("%x", sum))
	})
	cryptoObj.Set("randomBytes", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityCrypto)
		n := 32
		if len(call.Arguments) > 0 {
			n = int(call.Arguments[0].ToInteger())
		}
		if n <= 0 || n > 1024 {
			n = 1024
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(fmt.Sprintf("%x", buf))
	})
	vm.Set("crypto", cryptoObj)
}

func (s *sandbox) installChannel() {
	vm := s.vm
	channelObj := vm.NewObject()
	channelObj.Set("send", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityChannel)
		if s.hub == nil || len(call.Arguments) < 2 {
			panic(vm.ToValue("channel.send: channel id and payload required"))
		}
		channelID := call.Arguments[0].String()
		if err := s.hub.Send(channelID, s.info.SandboxID, call.Arguments[1].Export()); err != nil {
			panic(vm.ToValue(fmt.Sprintf("channel.send: %v", err)))
		}
		return goja.Undefined()
	})
	channelObj.Set("receive", func(call goja.FunctionCall) goja.Value {
		s.guard(CapabilityChannel)
		if s.hub == nil || len(call.Arguments) == 0 {
			panic(vm.ToValue("channel.receive: channel id required"))
		}
		channelID := call.Arguments[0].String()
		timeout := 50 * time.Millisecond
		if len(call.Arguments) > 1 {
			timeout = time.Duration(call.Arguments[1].ToInteger()) * time.Millisecond
		}
		msg, err := s.hub.Receive(channelID, s.info.SandboxID, timeout)
		if err != nil {
			panic(vm.ToValue(fmt.Sprintf("channel.receive: %v", err)))
		}
		return vm.ToValue(msg)
	})
	vm.Set("channel", channelObj)
}

// resolveUnderRoot resolves a module-relative path and rejects anything that
// would escape the install root, unconditionally.
func (s *sandbox) resolveUnderRoot(rel string) (string, error) {
	if s.installRoot == "" {
		return "", fmt.Errorf("%w: sandbox has no install root", ErrPathTraversal)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	full := filepath.Join(s.installRoot, filepath.Clean(rel))
	relBack, err := filepath.Rel(s.installRoot, full)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return full, nil
}
