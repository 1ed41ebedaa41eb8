// Package pipeline reads the streams out of a launch description and runs
// the media pipeline that produces them.
//
// The launch description must name its payloaders pay0, pay1, ... as with
// gst-rtsp-server. A running pipeline is a gst-launch process whose launch
// line links every payloader to a udpsink on the loopback interface. The
// RTSP server reads those packets and relays them to its clients, so one
// process serves any number of viewers.
package pipeline
