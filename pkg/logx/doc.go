// Package logx configures snapbot's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//   - An optional Telegram sink forwards warnings to the operator chat
//     (min-level + rate limited, never blocks the caller)
package logx
