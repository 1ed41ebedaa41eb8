// Package launcher applies a validated ServerConfig to a streaming server,
// attaches it to the main loop, keeps its session pool clean and runs it.
package launcher
