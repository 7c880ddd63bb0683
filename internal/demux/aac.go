package demux

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break // not enough for ADTS header
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			// Try to find next sync word
			offset++
			continue
		}

		// Parse ADTS header
		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: aacSampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, nil
}

// maxADTSPending bounds how much unsynchronised input is retained.
const maxADTSPending = 64 << 10

// AACSamplesPerFrame is the number of PCM samples per channel in one
// AAC-LC frame.
const AACSamplesPerFrame = 1024

// Duration returns the playback length of the frame.
func (f AACFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(AACSamplesPerFrame) * time.Second / time.Duration(f.SampleRate)
}

// ADTSSplitter reassembles ADTS frames from a byte stream delivered in
// arbitrary chunks, such as an encoder's stdout.
type ADTSSplitter struct {
	buf []byte
}

// Write appends p and returns every complete frame now available. Frame
// data is copied out of the internal buffer.
func (s *ADTSSplitter) Write(p []byte) ([]AACFrame, error) {
	s.buf = append(s.buf, p...)
	frames, err := ParseADTS(s.buf)
	if len(frames) == 0 {
		if len(s.buf) > maxADTSPending {
			n := copy(s.buf, s.buf[len(s.buf)-6:])
			s.buf = s.buf[:n]
		}
		return nil, err
	}

	// Frames alias s.buf, so the capacity difference locates the end of
	// the last one, past any garbage ParseADTS skipped.
	last := frames[len(frames)-1].Data
	end := cap(s.buf) - cap(last) + len(last)
	for i := range frames {
		frames[i].Data = append([]byte(nil), frames[i].Data...)
	}
	n := copy(s.buf, s.buf[end:])
	s.buf = s.buf[:n]
	return frames, err
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (s *ADTSSplitter) Pending() int {
	return len(s.buf)
}
