// Package audio provides the wire codec and buffering primitives for the
// streaming ingestion path: sequence-numbered PCM frames, a drop-oldest
// bounded queue, and silence generation for heartbeats.
package audio

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the length of the frame header: a big-endian uint32 sequence number.
const HeaderSize = 4

// BytesPerSample is fixed by the PCM16LE mono wire format.
const BytesPerSample = 2

// ErrShortFrame is returned for binary frames smaller than the header.
var ErrShortFrame = errors.New("audio: frame shorter than header")

// Frame is one inbound audio frame: [seq (4 bytes, big-endian)] + [PCM16LE mono].
type Frame struct {
	Seq uint32
	PCM []byte
}

// ParseFrame splits a binary websocket message into its sequence number and
// PCM payload. The payload aliases the input slice; callers that retain it
// across reads must copy.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Seq: binary.BigEndian.Uint32(data[:HeaderSize]),
		PCM: data[HeaderSize:],
	}, nil
}

// Silence returns a PCM16 chunk of zeros covering durationMs at the given
// sample rate. Used as a keep-alive heartbeat toward the recognizer.
func Silence(durationMs, sampleRateHz int) []byte {
	numSamples := sampleRateHz * durationMs / 1000
	return make([]byte, numSamples*BytesPerSample)
}

// BytesPerSecond returns the PCM byte rate for the given sample rate
// (16-bit mono).
func BytesPerSecond(sampleRateHz int) float64 {
	return float64(sampleRateHz * BytesPerSample)
}
