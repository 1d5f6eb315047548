package recorder

import (
	"fmt"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/opd-ai/callsession/av/media"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
	audioChannels  = 2
)

// containerWriter writes frames of the negotiated sources into a container.
type containerWriter interface {
	WriteFrame(frame media.Frame, at time.Duration) error
	Close() error
}

func newContainerWriter(format Format, sources []media.FrameSource, out *sliceBuffer) (containerWriter, error) {
	switch format.Container {
	case ContainerWebM:
		return newWebMWriter(sources, out)
	case ContainerIVF:
		w, err := ivfwriter.NewWith(out)
		if err != nil {
			return nil, fmt.Errorf("create ivf writer: %w", err)
		}
		return &ivfWriter{w: w}, nil
	case ContainerOgg:
		w, err := oggwriter.NewWith(out, audioClockRate, audioChannels)
		if err != nil {
			return nil, fmt.Errorf("create ogg writer: %w", err)
		}
		return &oggWriter{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoSupportedFormat, format.Container)
	}
}

// isKeyframe reports whether a VP8 frame is a keyframe. Audio frames are
// always independently decodable.
func isKeyframe(frame media.Frame) bool {
	if frame.Kind != media.KindVideo {
		return true
	}
	return len(frame.Data) > 0 && frame.Data[0]&0x01 == 0
}

type webmWriter struct {
	blocks  map[string]webm.BlockWriteCloser
	closers []webm.BlockWriteCloser
	started map[string]bool
}

func newWebMWriter(sources []media.FrameSource, out *sliceBuffer) (*webmWriter, error) {
	entries := make([]webm.TrackEntry, 0, len(sources))
	for i, s := range sources {
		entry := webm.TrackEntry{
			Name:        s.ID(),
			TrackNumber: uint64(i + 1),
			TrackUID:    uint64(i + 1),
		}
		if s.Kind() == media.KindVideo {
			entry.CodecID = "V_VP8"
			entry.TrackType = 1
			entry.DefaultDuration = uint64(time.Second / 30)
			entry.Video = &webm.Video{PixelWidth: 640, PixelHeight: 480}
		} else {
			entry.CodecID = "A_OPUS"
			entry.TrackType = 2
			entry.DefaultDuration = uint64(20 * time.Millisecond)
			entry.Audio = &webm.Audio{SamplingFrequency: audioClockRate, Channels: audioChannels}
		}
		entries = append(entries, entry)
	}

	writers, err := webm.NewSimpleBlockWriter(out, entries)
	if err != nil {
		return nil, fmt.Errorf("create webm writer: %w", err)
	}

	w := &webmWriter{
		blocks:  make(map[string]webm.BlockWriteCloser, len(sources)),
		closers: writers,
		started: make(map[string]bool, len(sources)),
	}
	for i, s := range sources {
		w.blocks[s.ID()] = writers[i]
	}
	return w, nil
}

func (w *webmWriter) WriteFrame(frame media.Frame, at time.Duration) error {
	block, ok := w.blocks[frame.TrackID]
	if !ok {
		return nil
	}
	keyframe := isKeyframe(frame)
	if !w.started[frame.TrackID] {
		if !keyframe {
			return nil
		}
		w.started[frame.TrackID] = true
	}
	if _, err := block.Write(keyframe, at.Milliseconds(), frame.Data); err != nil {
		return fmt.Errorf("write webm block: %w", err)
	}
	return nil
}

func (w *webmWriter) Close() error {
	var firstErr error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ivfWriter wraps each VP8 frame in a single RTP packet with a minimal
// payload descriptor (start of partition, partition 0).
type ivfWriter struct {
	w   *ivfwriter.IVFWriter
	seq uint16
}

func (w *ivfWriter) WriteFrame(frame media.Frame, at time.Duration) error {
	w.seq++
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: w.seq,
			Timestamp:      uint32(at * videoClockRate / time.Second),
		},
		Payload: append([]byte{0x10}, frame.Data...),
	}
	if err := w.w.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write ivf frame: %w", err)
	}
	return nil
}

func (w *ivfWriter) Close() error {
	return w.w.Close()
}

// oggWriter wraps each Opus frame in an RTP packet whose timestamp advances
// by the frame duration.
type oggWriter struct {
	w         *oggwriter.OggWriter
	seq       uint16
	timestamp uint32
}

func (w *oggWriter) WriteFrame(frame media.Frame, _ time.Duration) error {
	w.seq++
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: w.seq,
			Timestamp:      w.timestamp,
		},
		Payload: frame.Data,
	}
	w.timestamp += uint32(frame.Duration * audioClockRate / time.Second)
	if err := w.w.WriteRTP(pkt); err != nil {
		return fmt.Errorf("write ogg page: %w", err)
	}
	return nil
}

func (w *oggWriter) Close() error {
	return w.w.Close()
}
