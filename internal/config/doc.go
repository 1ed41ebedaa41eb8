// Package config turns command line values into the immutable ServerConfig
// used to set up the RTSP server, and loads the optional YAML file that
// carries logging, status API, session and pipeline runner settings.
package config
