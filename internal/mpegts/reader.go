package mpegts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

var errBadPES = errors.New("mpegts: malformed PES")

// Stream is one elementary stream listed in a PMT.
type Stream struct {
	PID        uint16
	StreamType uint8
}

// PES is one reassembled PES packet.
type PES struct {
	PID      uint16
	StreamID byte
	// PTS is in 90 kHz ticks and only meaningful when HasPTS is set.
	PTS    int64
	HasPTS bool
	// RandomAccess and PCR come from the adaptation field of the packet
	// that opened the PES. PCR is -1 when that packet carried none.
	RandomAccess bool
	PCR          int64
	Data         []byte
}

// Event is one item read from a stream. Exactly one field is set.
type Event struct {
	Streams []Stream
	PES     *PES
}

type assembly struct {
	cc   int
	open bool
	rai  bool
	pcr  int64
	buf  []byte
}

// complete reports whether a PES with a bounded length field has all
// its bytes. Unbounded (video) PES end at the next unit start.
func (a *assembly) complete() bool {
	if len(a.buf) < 6 {
		return false
	}
	n := int(binary.BigEndian.Uint16(a.buf[4:]))
	return n > 0 && len(a.buf) >= 6+n
}

type section struct {
	open bool
	buf  []byte
}

// Reader walks a transport stream packet by packet. It follows the PAT to
// the PMT and reassembles PES packets on the PIDs the PMT lists; every
// other PID is ignored. A PES that loses a packet to a continuity gap or
// a transport error is dropped whole. Reader is not safe for concurrent
// use.
type Reader struct {
	r       io.Reader
	pkt     [packetSize]byte
	pmtPIDs map[uint16]bool
	tables  map[uint16]*section
	es      map[uint16]*assembly
	pending []Event
	eof     bool
	skipped int
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		pmtPIDs: make(map[uint16]bool),
		tables:  make(map[uint16]*section),
		es:      make(map[uint16]*assembly),
	}
}

// Skipped returns how many packets, sections and PES were discarded as
// corrupt or incomplete.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Next returns the next table or PES. When the input ends, PES still being
// assembled are flushed in PID order and then io.EOF is returned. A
// trailing partial packet is ignored.
func (r *Reader) Next(ctx context.Context) (Event, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return Event{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		if _, err := io.ReadFull(r.r, r.pkt[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.eof = true
				r.flush()
				continue
			}
			return Event{}, fmt.Errorf("mpegts: read packet: %w", err)
		}
		r.packet(r.pkt[:])
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

func (r *Reader) packet(b []byte) {
	if b[0] != syncByte {
		r.skipped++
		return
	}
	pid := binary.BigEndian.Uint16(b[1:]) & 0x1FFF
	es := r.es[pid]
	if b[1]&0x80 != 0 {
		r.skipped++
		if es != nil {
			r.drop(es)
		}
		return
	}
	start := b[1]&0x40 != 0
	ctrl := b[3] >> 4 & 0x03
	cc := int(b[3] & 0x0F)

	payload := b[4:]
	var discontinuity, rai bool
	pcr := int64(-1)
	if ctrl&0x02 != 0 {
		n := int(b[4])
		if n > packetSize-5 {
			r.skipped++
			return
		}
		if n > 0 {
			flags := b[5]
			discontinuity = flags&0x80 != 0
			rai = flags&0x40 != 0
			if flags&0x10 != 0 && n >= 7 {
				pcr = readPCR(b[6:11])
			}
		}
		payload = b[5+n:]
	}
	if ctrl&0x01 == 0 || len(payload) == 0 {
		return
	}

	switch {
	case pid == pidPAT || r.pmtPIDs[pid]:
		r.table(pid, start, payload)
	case es != nil:
		if es.cc >= 0 && !discontinuity {
			switch {
			case cc == es.cc:
				return
			case cc != (es.cc+1)&0x0F:
				r.drop(es)
			}
		}
		es.cc = cc
		r.pes(pid, es, start, rai, pcr, payload)
	}
}

func (r *Reader) pes(pid uint16, a *assembly, start, rai bool, pcr int64, payload []byte) {
	switch {
	case start:
		if a.open {
			r.emit(pid, a)
		}
		a.open, a.rai, a.pcr = true, rai, pcr
		a.buf = append(a.buf[:0], payload...)
	case a.open:
		a.buf = append(a.buf, payload...)
	default:
		return
	}
	if a.complete() {
		r.emit(pid, a)
	}
}

func (r *Reader) drop(a *assembly) {
	if a.open {
		r.skipped++
	}
	a.open = false
	a.buf = a.buf[:0]
}

// emit hands the assembled bytes to the caller and starts a fresh buffer.
func (r *Reader) emit(pid uint16, a *assembly) {
	buf := a.buf
	a.open, a.buf = false, nil
	p, err := parsePES(pid, buf)
	if err != nil {
		r.skipped++
		return
	}
	p.RandomAccess, p.PCR = a.rai, a.pcr
	r.pending = append(r.pending, Event{PES: p})
}

func (r *Reader) flush() {
	pids := make([]uint16, 0, len(r.es))
	for pid, a := range r.es {
		if a.open {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	for _, pid := range pids {
		r.emit(pid, r.es[pid])
	}
}

// parsePES splits a PES packet into its header fields and payload. A
// bounded PES shorter than its length field is rejected.
func parsePES(pid uint16, b []byte) (*PES, error) {
	if len(b) < 9 || b[0] != 0 || b[1] != 0 || b[2] != 1 {
		return nil, errBadPES
	}
	end := len(b)
	if n := int(binary.BigEndian.Uint16(b[4:])); n > 0 {
		if 6+n > end {
			return nil, fmt.Errorf("%w: %d of %d bytes", errBadPES, end-6, n)
		}
		end = 6 + n
	}
	hdr := 9 + int(b[8])
	if hdr > end {
		return nil, errBadPES
	}
	p := &PES{PID: pid, StreamID: b[3], PCR: -1, Data: b[hdr:end]}
	if b[7]&0x80 != 0 && hdr >= 14 {
		p.PTS, p.HasPTS = readTimestamp(b[9:14]), true
	}
	return p, nil
}

func (r *Reader) table(pid uint16, start bool, payload []byte) {
	s := r.tables[pid]
	if s == nil {
		s = &section{}
		r.tables[pid] = s
	}
	switch {
	case start:
		skip := 1 + int(payload[0])
		if skip > len(payload) {
			s.open = false
			r.skipped++
			return
		}
		s.open = true
		s.buf = append(s.buf[:0], payload[skip:]...)
	case s.open:
		s.buf = append(s.buf, payload...)
	default:
		return
	}
	if len(s.buf) > 0 && s.buf[0] == 0xFF {
		s.open = false
		return
	}
	if len(s.buf) < 3 {
		return
	}
	n := 3 + int(binary.BigEndian.Uint16(s.buf[1:])&0x0FFF)
	if len(s.buf) < n {
		return
	}
	s.open = false
	sec := s.buf[:n]
	if n < 12 || sectionCRC(sec) != 0 {
		r.skipped++
		return
	}
	switch sec[0] {
	case tableIDPAT:
		for off := 8; off+4 <= n-4; off += 4 {
			if binary.BigEndian.Uint16(sec[off:]) != 0 {
				r.pmtPIDs[binary.BigEndian.Uint16(sec[off+2:])&0x1FFF] = true
			}
		}
	case tableIDPMT:
		r.programMap(sec)
	}
}

func (r *Reader) programMap(sec []byte) {
	end := len(sec) - 4
	off := 12 + int(binary.BigEndian.Uint16(sec[10:])&0x0FFF)
	var streams []Stream
	for off+5 <= end {
		s := Stream{
			StreamType: sec[off],
			PID:        binary.BigEndian.Uint16(sec[off+1:]) & 0x1FFF,
		}
		streams = append(streams, s)
		if r.es[s.PID] == nil {
			r.es[s.PID] = &assembly{cc: -1}
		}
		off += 5 + int(binary.BigEndian.Uint16(sec[off+3:])&0x0FFF)
	}
	r.pending = append(r.pending, Event{Streams: streams})
}
