// Package logx wraps zerolog behind a small Logger interface so the rest of
// sendlater never imports zerolog directly. The console sink stays readable
// (short timestamp, short caller), the file sink stays JSON, and Service.Apply
// swaps level and sinks at runtime when the config file changes.
package logx
