// Package logx is cronrunner's structured logger, a thin layer over zerolog.
//
// Loggers derived from a Service follow its output across hot reloads:
// Apply swaps the underlying zerolog.Logger and every derived Logger picks
// it up on its next record. Console output is human readable; the file
// sink is JSON lines.
package logx
