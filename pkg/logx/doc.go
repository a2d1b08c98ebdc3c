// Package logx configures guildbot's structured logging.
//
// logx.Logger is a small value type on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - An optional chat sink forwards WARN+ lines to the operator log group
//     (min-level + rate limiting)
package logx
