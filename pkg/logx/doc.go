// Package logx configures petfeeder's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional alert sink (min-level + rate limiting) that forwards
//     warnings to an operator channel such as Telegram
package logx
