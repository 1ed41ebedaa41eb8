// Package metrics defines the Prometheus metrics exported by the launcher:
// RTSP requests, sessions, pipeline processes and the status API.
package metrics
