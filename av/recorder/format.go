package recorder

import (
	"strings"

	"github.com/opd-ai/callsession/av/media"
	"github.com/pion/webrtc/v4"
)

// Container is the file format of an artifact.
type Container string

const (
	ContainerWebM Container = "webm"
	ContainerIVF  Container = "ivf"
	ContainerOgg  Container = "ogg"
)

// Format is one recording format candidate.
type Format struct {
	MimeType  string
	Container Container
	Extension string
	Video     bool
	Audio     bool
}

// Preferences is the default format preference list, best first.
var Preferences = []Format{
	{MimeType: "video/webm;codecs=vp8,opus", Container: ContainerWebM, Extension: "webm", Video: true, Audio: true},
	{MimeType: "video/webm;codecs=vp8", Container: ContainerWebM, Extension: "webm", Video: true},
	{MimeType: "audio/webm;codecs=opus", Container: ContainerWebM, Extension: "webm", Audio: true},
	{MimeType: "video/x-ivf;codecs=vp8", Container: ContainerIVF, Extension: "ivf", Video: true},
	{MimeType: "audio/ogg;codecs=opus", Container: ContainerOgg, Extension: "ogg", Audio: true},
}

func isVP8(source media.FrameSource) bool {
	return source.Kind() == media.KindVideo && strings.EqualFold(source.Codec().MimeType, webrtc.MimeTypeVP8)
}

func isOpus(source media.FrameSource) bool {
	return source.Kind() == media.KindAudio && strings.EqualFold(source.Codec().MimeType, webrtc.MimeTypeOpus)
}

// Negotiate returns the first format in prefs whose tracks are all present
// in sources, with the sources it will record.
func Negotiate(prefs []Format, sources []media.FrameSource) (Format, []media.FrameSource, error) {
	var video, audio []media.FrameSource
	for _, s := range sources {
		switch {
		case isVP8(s):
			video = append(video, s)
		case isOpus(s):
			audio = append(audio, s)
		}
	}

	for _, f := range prefs {
		if f.Video && len(video) == 0 {
			continue
		}
		if f.Audio && len(audio) == 0 {
			continue
		}

		var chosen []media.FrameSource
		switch f.Container {
		case ContainerWebM:
			if f.Video {
				chosen = append(chosen, video...)
			}
			if f.Audio {
				chosen = append(chosen, audio...)
			}
		case ContainerIVF:
			if len(video) == 0 {
				continue
			}
			chosen = video[:1]
		case ContainerOgg:
			if len(audio) == 0 {
				continue
			}
			chosen = audio[:1]
		default:
			continue
		}
		return f, chosen, nil
	}
	return Format{}, nil, ErrNoSupportedFormat
}
