// Package callback runs JavaScript instance callbacks.
//
// A script defines a function (onInstance by default) that receives the
// instance id, its record as a plain object and the output file path:
//
//	function onInstance(id, record, outputFile) {
//	    var m = readOutput().match(/nodes: (\d+)/);
//	    record.nodes = m ? parseInt(m[1], 10) : null;
//	    delete record.memout;
//	}
//
// Changes to the object, or a returned object, replace the record's contents.
package callback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/runhelper/pkg/errors"
	"github.com/wehubfusion/runhelper/pkg/record"
	"github.com/wehubfusion/runhelper/pkg/runner"
)

// DefaultFunction is the entry point looked up in a script
const DefaultFunction = "onInstance"

// maxOutputBytes bounds what readOutput returns to a script
const maxOutputBytes = 16 << 20

var errInterrupted = errors.New("callback timeout")

// Config controls how a script is run
type Config struct {
	// Function is the entry point name (default: onInstance)
	Function string

	// Timeout bounds a single invocation (default: 5s)
	Timeout time.Duration

	// SecurityLevel is strict, standard or permissive (default: standard)
	SecurityLevel string

	// MaxStackDepth is the maximum call stack depth (default: 1000)
	MaxStackDepth int

	Logger *zap.Logger
}

// ApplyDefaults sets default values for unset fields
func (c *Config) ApplyDefaults() {
	if c.Function == "" {
		c.Function = DefaultFunction
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = 1000
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Script is a compiled callback bound to one VM. Top-level script state
// persists across invocations.
type Script struct {
	name   string
	vm     *goja.Runtime
	fn     goja.Callable
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	outputFile string
}

// Compile compiles source and evaluates it once in a sandboxed VM
func Compile(name, source string, config Config) (*Script, error) {
	config.ApplyDefaults()
	switch config.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		return nil, fmt.Errorf("invalid security level: %s", config.SecurityLevel)
	}

	program, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, sdkerrors.NewError("CALLBACK_COMPILE_FAILED", fmt.Sprintf("failed to compile %s", name), err)
	}

	s := &Script{
		name:   name,
		vm:     goja.New(),
		config: config,
		logger: config.Logger.With(zap.String("script", name)),
	}

	if err := applySandbox(s.vm, config.SecurityLevel, config.MaxStackDepth); err != nil {
		return nil, err
	}
	if err := s.injectHelpers(); err != nil {
		return nil, err
	}

	if _, err := s.guarded(func() (goja.Value, error) { return s.vm.RunProgram(program) }); err != nil {
		return nil, sdkerrors.NewError("CALLBACK_COMPILE_FAILED", fmt.Sprintf("failed to evaluate %s", name), err)
	}

	fn, ok := goja.AssertFunction(s.vm.Get(config.Function))
	if !ok {
		return nil, sdkerrors.NewError("CALLBACK_COMPILE_FAILED",
			fmt.Sprintf("%s does not define function %s", name, config.Function), nil)
	}
	s.fn = fn
	return s, nil
}

// LoadFile compiles the script at path
func LoadFile(path string, config Config) (*Script, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read callback script: %w", err)
	}
	return Compile(path, string(source), config)
}

func (s *Script) injectHelpers() error {
	if err := s.vm.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.String()
		}
		s.logger.Info(strings.Join(args, " "))
		return goja.Undefined()
	}); err != nil {
		return fmt.Errorf("failed to inject log: %w", err)
	}

	return s.vm.Set("readOutput", func(goja.FunctionCall) goja.Value {
		data, err := readBounded(s.outputFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return goja.Null()
			}
			panic(s.vm.NewGoError(err))
		}
		return s.vm.ToValue(string(data))
	})
}

func readBounded(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(io.LimitReader(f, maxOutputBytes))
}

// Apply runs the script function for one instance and copies the resulting
// object back into rec. On error rec is left unchanged.
func (s *Script) Apply(instanceID string, rec *record.Record, outputFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outputFile = outputFile
	obj := s.toObject(rec)

	result, err := s.guarded(func() (goja.Value, error) {
		return s.fn(goja.Undefined(), s.vm.ToValue(instanceID), obj, s.vm.ToValue(outputFile))
	})
	if err != nil {
		return sdkerrors.NewError("CALLBACK_FAILED", fmt.Sprintf("callback failed for instance %s", instanceID), err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		ret, ok := result.(*goja.Object)
		if !ok {
			return sdkerrors.NewError("CALLBACK_FAILED",
				fmt.Sprintf("callback for instance %s returned a non-object", instanceID), nil)
		}
		obj = ret
	}

	s.copyBack(obj, rec)
	return nil
}

// Callback adapts the script to a runner instance callback. Script errors are
// logged and leave the record as the launcher produced it.
func (s *Script) Callback() runner.InstanceCallback {
	return func(instanceID string, rec *record.Record, outputFile string) {
		if err := s.Apply(instanceID, rec, outputFile); err != nil {
			s.logger.Error("Instance callback failed",
				zap.String("instance", instanceID),
				zap.Error(err))
		}
	}
}

// guarded runs f with the configured timeout
func (s *Script) guarded(f func() (goja.Value, error)) (goja.Value, error) {
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		timer := time.NewTimer(s.config.Timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.vm.Interrupt(errInterrupted)
		case <-stop:
		}
	}()

	value, err := f()
	close(stop)
	<-finished
	s.vm.ClearInterrupt()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return nil, fmt.Errorf("%w after %s", errInterrupted, s.config.Timeout)
	}
	return value, err
}

func (s *Script) toObject(rec *record.Record) *goja.Object {
	obj := s.vm.NewObject()
	for _, key := range rec.Keys() {
		v, _ := rec.Get(key)
		_ = obj.Set(key, v)
	}
	return obj
}

func (s *Script) copyBack(obj *goja.Object, rec *record.Record) {
	keys := obj.Keys()
	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
		rec.Set(key, exportValue(obj.Get(key)))
	}
	for _, key := range rec.Keys() {
		if _, ok := present[key]; !ok {
			rec.Delete(key)
		}
	}
}

// exportValue converts a JS value to a record value
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case string, bool, int64, float64:
		return x
	default:
		return v.String()
	}
}
