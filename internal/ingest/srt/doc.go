// Package srt carries MPEG-TS over SRT (Secure Reliable Transport) into the
// ingest registry: listener mode (Server) accepts publishers, caller mode
// (Caller) pulls from a remote SRT listener.
package srt
