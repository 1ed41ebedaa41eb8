// Package server implements the HTTP status API: health, RTSP sessions,
// configuration, statistics and Prometheus metrics.
package server
