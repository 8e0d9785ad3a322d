// Package linker resolves module imports by name and instantiates
// artifacts into a store.
//
// # Main Types
//
//   - Linker: named definitions bound to one store
//   - HostModuleBuilder: fluent definition of a group of host functions
//
// # Thread Safety
//
// Definitions may be added and looked up concurrently. Instantiate drives
// the store and follows its single-goroutine rule.
//
// # Import Resolution Order
//
//  1. Exact "module::name" definition
//  2. With SemverMatching, the newest compatible "module@version"
//  3. With UnknownImportsTrap, a function that traps when called
//  4. Otherwise every unresolved import is reported together
//
// # Example
//
//	l := linker.NewWithDefaults(s)
//	l.NewHostModule("env").
//		Func("log", logFn, []api.ValueType{api.ValueTypeI32}, nil).
//		Build()
//	inst, err := l.Instantiate(ctx, art)
//	results, err := inst.Call(ctx, "run")
package linker
