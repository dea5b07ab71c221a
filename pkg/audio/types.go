package audio

import "time"

// PCMFrame is a chunk of raw microphone audio flowing into the pipeline.
// Chunks arrive with arbitrary sizes and irregular timing; the framer is
// responsible for re-cutting them into fixed-duration encoder frames.
type PCMFrame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Opus, 16000 for speech APIs).
	SampleRate int

	// Channels: 1 for mono mic capture, 2 for stereo.
	Channels int

	// Captured is the wall-clock instant the frame left the audio source.
	// Latency budgets are measured against it.
	Captured time.Time
}

// Samples returns the per-channel sample count of the frame.
func (f PCMFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// EncodedFrame is one fixed-duration encoded audio frame ready for the wire.
type EncodedFrame struct {
	// Payload is the encoded bitstream for exactly one frame.
	Payload []byte

	// Sequence is strictly increasing per framer. Redundant copies get a
	// fresh sequence number; a number is never reused.
	Sequence uint64

	// Duration is the audio duration the payload represents.
	Duration time.Duration

	// Redundant marks a loss-protection duplicate of an earlier frame.
	Redundant bool

	// Degraded marks a frame produced by the fallback compressor after a
	// codec failure.
	Degraded bool

	// Encoded is the wall-clock instant encoding finished.
	Encoded time.Time
}

// BytesToInt16 converts little-endian PCM bytes to int16 samples.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
