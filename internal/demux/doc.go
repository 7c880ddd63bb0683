// Package demux parses the elementary streams reel records: H.264/H.265
// Annex B access units and ADTS-framed AAC. It also reads finished MPEG-TS
// recordings back into packets for probing.
//
// Encoder output is cut into access units by [AccessUnitSplitter] and into
// AAC frames by [ADTSSplitter]. [Probe] reports the streams, keyframe count
// and playable duration of a recording.
package demux
