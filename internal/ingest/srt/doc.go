// Package srt implements SRT (Secure Reliable Transport) ingest: a
// listener-mode Server that accepts several publishers and registers each
// as its own stream, and caller-mode dialing registered as the srt:// input
// scheme.
package srt
