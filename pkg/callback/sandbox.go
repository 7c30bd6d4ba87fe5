package callback

import (
	"fmt"

	"github.com/dop251/goja"
)

// Security levels for callback scripts
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// hostGlobals are removed from every VM
var hostGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
}

var frozenBuiltins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

// applySandbox restricts vm according to level
func applySandbox(vm *goja.Runtime, level string, maxStackDepth int) error {
	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if level == SecurityLevelStrict {
		restricted := func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError("eval is not allowed in strict security mode"))
		}
		if err := vm.Set("eval", restricted); err != nil {
			return fmt.Errorf("failed to restrict eval: %w", err)
		}
	}

	if maxStackDepth > 0 {
		vm.SetMaxCallStackSize(maxStackDepth)
	}

	if level == SecurityLevelPermissive {
		return nil
	}
	return freezeBuiltins(vm)
}

func freezeBuiltins(vm *goja.Runtime) error {
	val, err := vm.RunString(`
		(function(obj) {
			if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
				Object.freeze(obj);
				if (obj.prototype) {
					Object.freeze(obj.prototype);
				}
			}
		})
	`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}

	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freeze(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}
