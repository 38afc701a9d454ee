// Package vm implements the host side of an embedded Lua runtime.
//
// This package contains:
//   - Value marshaling between Go and the interpreter stack
//   - Stack guards and cursors bound to absolute stack positions
//   - Structured errors composed with the state's last error
//   - Reference-counted handles on VM values
//   - Threads, a wake-up scheduler with weak references, and script
//     environments driven by a virtual clock
//   - Value rendering, stack traces and a debug hook
package vm
