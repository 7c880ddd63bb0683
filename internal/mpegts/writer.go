package mpegts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Stream types carried in the PMT.
const (
	StreamTypeAAC  uint8 = 0x0F
	StreamTypeH264 uint8 = 0x1B
	StreamTypeHEVC uint8 = 0x24
)

// Default PID layout for a single-program stream.
const (
	PIDPMT       uint16 = 0x1000
	PIDVideo     uint16 = 0x0100
	PIDAudioBase uint16 = 0x0101
)

// ClockHz is the rate of the MPEG system timestamp clock.
const ClockHz = 90000

const (
	payloadSize = packetSize - 4
	ptsMask     = 1<<33 - 1

	// defaultPTSOffset keeps PTS ahead of PCR so decoders have buffering
	// headroom at the start of the stream (0.7 s).
	defaultPTSOffset = 63000

	// minTableInterval bounds how often tables are repeated on the PCR PID.
	minTableInterval = ClockHz / 2
)

// ErrUnknownPID is returned when writing to a PID not declared at construction.
var ErrUnknownPID = errors.New("mpegts: unknown PID")

// ToClock converts a duration to 90 kHz ticks.
func ToClock(d time.Duration) int64 {
	return int64(d) * ClockHz / int64(time.Second)
}

// FromClock converts 90 kHz ticks to a duration.
func FromClock(ticks int64) time.Duration {
	return time.Duration(ticks * int64(time.Second) / ClockHz)
}

// IsVideoStreamType reports whether st is a video elementary stream type.
func IsVideoStreamType(st uint8) bool {
	return st == StreamTypeH264 || st == StreamTypeHEVC
}

// StreamConfig declares one elementary stream of the program.
type StreamConfig struct {
	PID        uint16
	StreamType uint8
}

type esState struct {
	streamType uint8
	streamID   byte
	cc         uint8
}

// Writer packetizes PES payloads into a single-program transport stream.
// PAT and PMT are written before the first PES and again ahead of every
// keyframe on the PCR PID (rate-limited to one per half second). Writer is
// not safe for concurrent use.
type Writer struct {
	w         io.Writer
	streams   map[uint16]*esState
	order     []uint16
	pcrPID    uint16
	pmtPID    uint16
	patCC     uint8
	pmtCC     uint8
	ptsOffset int64
	lastTable int64
	tables    bool
	pkt       [packetSize]byte
	af        []byte
	pes       []byte
	written   int64
}

// WriterOptPTSOffset overrides the PTS lead over PCR, in 90 kHz ticks.
func WriterOptPTSOffset(ticks int64) func(*Writer) {
	return func(w *Writer) {
		w.ptsOffset = ticks
	}
}

// NewWriter creates a Writer for the given streams. The first video stream
// carries the PCR; without video, the first stream does.
func NewWriter(out io.Writer, streams []StreamConfig, opts ...func(*Writer)) (*Writer, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("mpegts: writer needs at least one stream")
	}
	w := &Writer{
		w:         out,
		streams:   make(map[uint16]*esState, len(streams)),
		pmtPID:    PIDPMT,
		ptsOffset: defaultPTSOffset,
		af:        make([]byte, 0, 8),
	}
	for _, opt := range opts {
		opt(w)
	}

	var videoIdx, audioIdx byte
	pcrSet := false
	for _, s := range streams {
		if s.PID == pidPAT || s.PID == w.pmtPID || s.PID > 0x1FFE {
			return nil, fmt.Errorf("mpegts: invalid elementary PID 0x%04X", s.PID)
		}
		if _, dup := w.streams[s.PID]; dup {
			return nil, fmt.Errorf("mpegts: duplicate PID 0x%04X", s.PID)
		}
		st := &esState{streamType: s.StreamType}
		switch {
		case IsVideoStreamType(s.StreamType):
			st.streamID = 0xE0 + videoIdx
			videoIdx++
			if !pcrSet || !IsVideoStreamType(w.streams[w.pcrPID].streamType) {
				w.pcrPID = s.PID
				pcrSet = true
			}
		case s.StreamType == StreamTypeAAC:
			st.streamID = 0xC0 + audioIdx
			audioIdx++
			if !pcrSet {
				w.pcrPID = s.PID
				pcrSet = true
			}
		default:
			return nil, fmt.Errorf("mpegts: unsupported stream type 0x%02X", s.StreamType)
		}
		w.streams[s.PID] = st
		w.order = append(w.order, s.PID)
	}
	return w, nil
}

// PCRPID returns the PID carrying the program clock reference.
func (w *Writer) PCRPID() uint16 {
	return w.pcrPID
}

// BytesWritten returns the number of bytes emitted so far.
func (w *Writer) BytesWritten() int64 {
	return w.written
}

// WriteTables emits a PAT followed by a PMT.
func (w *Writer) WriteTables() error {
	if err := w.writeSection(pidPAT, &w.patCC, w.buildPAT()); err != nil {
		return err
	}
	if err := w.writeSection(w.pmtPID, &w.pmtCC, w.buildPMT()); err != nil {
		return err
	}
	w.tables = true
	return nil
}

// WritePES writes one access unit on pid. pts is in 90 kHz ticks on the
// session timeline, before the writer's PTS offset is applied. Keyframes
// set the random-access indicator.
func (w *Writer) WritePES(pid uint16, pts int64, keyframe bool, data []byte) error {
	st, ok := w.streams[pid]
	if !ok {
		return fmt.Errorf("%w 0x%04X", ErrUnknownPID, pid)
	}

	isPCR := pid == w.pcrPID
	if !w.tables || (isPCR && keyframe && pts-w.lastTable >= minTableInterval) {
		if err := w.WriteTables(); err != nil {
			return err
		}
		w.lastTable = pts
	}

	w.pes = appendPESHeader(w.pes[:0], st.streamID, (pts+w.ptsOffset)&ptsMask, len(data))
	w.pes = append(w.pes, data...)

	var flags byte
	if keyframe {
		flags |= 0x40
	}
	pcr := int64(-1)
	if isPCR {
		pcr = pts & ptsMask
	}
	return w.packetize(pid, &st.cc, w.pes, flags, pcr)
}

func (w *Writer) writeSection(pid uint16, cc *uint8, section []byte) error {
	payload := make([]byte, 0, 1+len(section))
	payload = append(payload, 0x00) // pointer field
	payload = append(payload, section...)
	return w.packetize(pid, cc, payload, 0, -1)
}

// packetize splits data across 188-byte packets. The first packet carries
// PUSI and, when flags or pcr are set, an adaptation field. The tail packet
// is padded with adaptation-field stuffing.
func (w *Writer) packetize(pid uint16, cc *uint8, data []byte, flags byte, pcr int64) error {
	off := 0
	first := true
	for first || off < len(data) {
		var af []byte
		if first && (flags != 0 || pcr >= 0) {
			af = append(w.af[:0], flags)
			if pcr >= 0 {
				af[0] |= 0x10
				af = appendPCR(af, pcr)
			}
		}

		space := payloadSize
		if af != nil {
			space -= 1 + len(af)
		}
		n := min(len(data)-off, space)
		stuff := space - n

		pkt := w.pkt[:]
		pkt[0] = syncByte
		pkt[1] = byte(pid>>8) & 0x1F
		if first {
			pkt[1] |= 0x40
		}
		pkt[2] = byte(pid)
		ctrl := byte(0x10)
		if af != nil || stuff > 0 {
			ctrl |= 0x20
		}
		pkt[3] = ctrl | *cc&0x0F
		*cc = (*cc + 1) & 0x0F

		i := 4
		switch {
		case af != nil:
			pkt[4] = byte(len(af) + stuff)
			copy(pkt[5:], af)
			i = 5 + len(af)
			i += fill(pkt[i:i+stuff], 0xFF)
		case stuff == 1:
			pkt[4] = 0
			i = 5
		case stuff > 1:
			pkt[4] = byte(stuff - 1)
			pkt[5] = 0x00
			i = 6 + fill(pkt[6:4+stuff], 0xFF)
		}
		copy(pkt[i:], data[off:off+n])
		off += n
		first = false

		nw, err := w.w.Write(pkt)
		w.written += int64(nw)
		if err != nil {
			return fmt.Errorf("mpegts: write packet: %w", err)
		}
	}
	return nil
}

func (w *Writer) buildPAT() []byte {
	sectionLength := 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], 1) // transport_stream_id
	data[5] = 0xC1
	data[8] = 0x00
	data[9] = 0x01 // program_number 1
	data[10] = 0xE0 | byte(w.pmtPID>>8)&0x1F
	data[11] = byte(w.pmtPID)
	binary.BigEndian.PutUint32(data[12:], sectionCRC(data[:12]))
	return data
}

func (w *Writer) buildPMT() []byte {
	sectionLength := 9 + 5*len(w.order) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], 1) // program_number
	data[5] = 0xC1
	data[8] = 0xE0 | byte(w.pcrPID>>8)&0x1F
	data[9] = byte(w.pcrPID)
	data[10] = 0xF0
	data[11] = 0x00

	off := 12
	for _, pid := range w.order {
		data[off] = w.streams[pid].streamType
		data[off+1] = 0xE0 | byte(pid>>8)&0x1F
		data[off+2] = byte(pid)
		data[off+3] = 0xF0
		data[off+4] = 0x00
		off += 5
	}
	binary.BigEndian.PutUint32(data[off:], sectionCRC(data[:off]))
	return data
}

// appendPESHeader writes a PES header with a PTS. Video streams use an
// unbounded length field, as does any payload too large for 16 bits.
func appendPESHeader(buf []byte, streamID byte, pts int64, dataLen int) []byte {
	length := 3 + 5 + dataLen
	if streamID&0xF0 == 0xE0 || length > 0xFFFF {
		length = 0
	}
	buf = append(buf, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length))
	buf = append(buf, 0x84, 0x80, 5) // data_alignment, PTS only, header length
	return appendTimestamp(buf, 0x02, pts)
}

func appendTimestamp(buf []byte, marker byte, ts int64) []byte {
	return append(buf,
		marker<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)&0xFE|0x01,
		byte(ts>>7),
		byte(ts<<1)&0xFE|0x01,
	)
}

func appendPCR(buf []byte, base int64) []byte {
	return append(buf,
		byte(base>>25),
		byte(base>>17),
		byte(base>>9),
		byte(base>>1),
		byte(base<<7)|0x7E,
		0x00,
	)
}

func fill(b []byte, v byte) int {
	for i := range b {
		b[i] = v
	}
	return len(b)
}
