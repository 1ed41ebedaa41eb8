// Package profile defines the RTP transport profiles an RTSP mount may offer
// (AVP, AVPF, SAVP, SAVPF) and parses the compact "AVP+SAVPF" list grammar
// accepted on the command line into a profile mask.
package profile
