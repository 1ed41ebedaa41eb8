// Package rtsp implements the RTSP server behind the launcher.
//
// A Server accepts TCP control connections and answers OPTIONS, DESCRIBE,
// SETUP, PLAY, PAUSE, TEARDOWN, GET_PARAMETER and SET_PARAMETER. Requests
// are read on one goroutine per connection and handled on the main loop,
// so mount points, sessions and media are never touched concurrently by
// request handling.
//
// Media is described to clients with one SDP media section per stream and
// allowed profile. Clients are served over unicast UDP only. One pipeline
// process sends each stream to a relay on loopback, and the relay forwards
// it to every playing client, encrypting for SRTP clients, sending RTCP
// sender reports and answering NACKs with retransmissions. Clients joining
// or leaving change the relay targets, never the running pipeline.
// Expired sessions are kept until SessionPool.Cleanup is called.
package rtsp
