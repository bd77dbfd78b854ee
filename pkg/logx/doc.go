// Package logx configures newsbot's structured logging.
//
// A small value-type wrapper (logx.Logger) sits on top of zerolog so that
// components can carry fixed fields around without caring where the output
// goes. The Service behind it can be re-applied at runtime on config reload:
//   - console output stays human readable (short timestamp + file:line)
//   - file output is JSON lines
//   - an optional chat sink forwards warnings to an operator group,
//     filtered by level and rate limited
package logx
