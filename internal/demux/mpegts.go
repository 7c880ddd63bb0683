package demux

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/media"
)

// TrackInfo describes one elementary stream discovered in the PMT.
type TrackInfo struct {
	PID   uint16
	Kind  media.StreamKind
	Codec media.Codec
	Track int
}

// Demuxer reads a recorded MPEG-TS stream back into encoded packets. Video
// PES payloads become one packet per access unit; audio PES payloads are
// split into individual ADTS frames. Timestamps are on the stream's own PTS
// timeline.
type Demuxer struct {
	log    *slog.Logger
	reader io.Reader
	out    chan *media.Packet
	tracks map[uint16]TrackInfo
	order  []TrackInfo
}

// NewDemuxer creates a Demuxer reading from r. If log is nil,
// slog.Default() is used.
func NewDemuxer(r io.Reader, log *slog.Logger) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	return &Demuxer{
		log:    log.With("component", "demux"),
		reader: r,
		out:    make(chan *media.Packet, media.PacketBufferSize),
		tracks: make(map[uint16]TrackInfo),
	}
}

// Packets returns the channel on which demuxed packets are delivered. It
// is closed when Run returns.
func (d *Demuxer) Packets() <-chan *media.Packet {
	return d.out
}

// Tracks returns the elementary streams found, in PMT order. Only safe to
// call once Run has returned.
func (d *Demuxer) Tracks() []TrackInfo {
	return d.order
}

// Run demuxes until EOF or cancellation and closes the packet channel.
func (d *Demuxer) Run(ctx context.Context) error {
	defer close(d.out)

	rd := mpegts.NewReader(d.reader)
	defer func() {
		if n := rd.Skipped(); n > 0 {
			d.log.Debug("skipped corrupt data", "count", n)
		}
	}()
	for {
		ev, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Streams != nil {
			d.handlePMT(ev.Streams)
			continue
		}

		pes := ev.PES
		ti, ok := d.tracks[pes.PID]
		if !ok || len(pes.Data) == 0 {
			continue
		}
		var pts int64
		if pes.HasPTS {
			pts = pes.PTS
		}
		if ti.Kind == media.KindVideo {
			err = d.emit(ctx, &media.Packet{
				Kind:     media.KindVideo,
				Codec:    ti.Codec,
				Track:    ti.Track,
				PTS:      mpegts.FromClock(pts),
				Keyframe: IsKeyframeAU(ti.Codec, pes.Data),
				Data:     pes.Data,
			})
		} else {
			err = d.handleAudio(ctx, ti, pts, pes.Data)
		}
		if err != nil {
			return err
		}
	}
}

func (d *Demuxer) handlePMT(streams []mpegts.Stream) {
	audioIdx := 0
	for _, ti := range d.order {
		if ti.Kind == media.KindAudio {
			audioIdx++
		}
	}
	for _, es := range streams {
		if _, exists := d.tracks[es.PID]; exists {
			continue
		}
		ti := TrackInfo{PID: es.PID}
		switch es.StreamType {
		case mpegts.StreamTypeH264:
			ti.Kind, ti.Codec = media.KindVideo, media.CodecH264
		case mpegts.StreamTypeHEVC:
			ti.Kind, ti.Codec = media.KindVideo, media.CodecHEVC
		case mpegts.StreamTypeAAC:
			ti.Kind, ti.Codec, ti.Track = media.KindAudio, media.CodecAAC, audioIdx
			audioIdx++
		default:
			continue
		}
		d.tracks[es.PID] = ti
		d.order = append(d.order, ti)
		d.log.Debug("found elementary stream", "pid", es.PID, "codec", ti.Codec)
	}
}

func (d *Demuxer) handleAudio(ctx context.Context, ti TrackInfo, pts int64, data []byte) error {
	frames, err := ParseADTS(data)
	if err != nil {
		d.log.Warn("failed to parse ADTS", "error", err)
	}
	base := mpegts.FromClock(pts)
	var offset int64
	for _, f := range frames {
		p := &media.Packet{
			Kind:     media.KindAudio,
			Codec:    media.CodecAAC,
			Track:    ti.Track,
			PTS:      base + mpegts.FromClock(offset),
			Duration: f.Duration(),
			Keyframe: true,
			Data:     f.Data,
		}
		if f.SampleRate > 0 {
			offset += AACSamplesPerFrame * mpegts.ClockHz / int64(f.SampleRate)
		}
		if err := d.emit(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) emit(ctx context.Context, p *media.Packet) error {
	select {
	case d.out <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
