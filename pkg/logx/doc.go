// Package logx configures crawlsched's structured logging.
//
// Components log through a small wrapper (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured, one event per line
//   - Levels and sinks can be swapped at runtime on config reload
package logx
