// Package recorder captures the media of a call into a single artifact.
//
// A Recorder subscribes to the frames of every local and remote track,
// negotiates a container from a descending preference list and writes the
// container stream into an in-memory buffer that is cut into slices at a
// fixed interval. Stop closes the container, joins the slices and writes one
// artifact named recording-<unix milliseconds>.<ext> through a Sink.
//
// Supported containers:
//
//	video/webm;codecs=vp8,opus  (ebml-go)
//	video/webm;codecs=vp8       (ebml-go)
//	audio/webm;codecs=opus      (ebml-go)
//	video/x-ivf;codecs=vp8      (pion ivfwriter)
//	audio/ogg;codecs=opus       (pion oggwriter)
package recorder
