// Package logx configures structured logging for dbtasks.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or JSON for journald
//   - File output JSON-structured
//   - Levels and sinks swappable at runtime via Service.Apply
package logx
