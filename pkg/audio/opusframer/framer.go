// Package opusframer cuts irregular PCM input into fixed-duration Opus
// frames for the wire.
//
// The [Framer] buffers raw PCM chunks of any size and extracts exactly one
// encoder frame at a time, carrying the remainder forward, so output frame
// duration is invariant to input chunking. Encoding delegates to a gopus
// Opus encoder; when the codec fails mid-stream the framer drops to a
// documented degraded-quality compressor so the pipeline never halts.
//
// Construction is two-phase: New validates the configuration but allocates
// no codec state; Initialize must be called (and awaited) before the first
// Ingest. Encoding fails fast with [ErrNotInitialized] otherwise — setup
// latency is paid visibly at session start, never hidden inside the first
// frame.
//
// A Framer is not safe for shared use across goroutines; each session owns
// exactly one and drives it from its frame loop.
package opusframer

import (
	"fmt"
	"log/slog"
	"time"

	"layeh.com/gopus"

	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/clock"
	"github.com/sitespeak/voicecore/pkg/stats"
)

const (
	// recentFrames is how many encoded frames are retained for redundancy.
	recentFrames = 5

	// lossWindow is how many loss reports feed the redundancy decision.
	lossWindow = 50

	// lossThreshold is the recent loss fraction above which redundant
	// frames are emitted (when FEC is enabled).
	lossThreshold = 0.05

	// maxOpusPayload is the largest payload libopus can produce per frame.
	maxOpusPayload = 1275

	// dtxFloor is the absolute sample amplitude below which a frame
	// counts as digital silence for DTX suppression.
	dtxFloor = 16
)

// ErrNotInitialized is returned by Ingest before Initialize has completed.
var ErrNotInitialized = fmt.Errorf("opusframer: not initialized")

// FormatError reports a PCM chunk whose format does not match the framer
// configuration. Frame-level and non-fatal: the chunk is dropped and
// counted, the stream continues.
type FormatError struct {
	Got  audio.Format
	Want audio.Format
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("opusframer: frame format %dHz/%dch does not match configured %dHz/%dch",
		e.Got.SampleRate, e.Got.Channels, e.Want.SampleRate, e.Want.Channels)
}

// CodecError reports a failure of the primary Opus encoder.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("opusframer: codec: %v", e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// Config holds the framer's audio parameters.
type Config struct {
	// SampleRate in Hz. Opus supports 8000, 12000, 16000, 24000, 48000.
	SampleRate int

	// FrameDurationMs is the output frame duration. Opus supports 10, 20,
	// 40 and 60 ms; 20 is the latency/efficiency sweet spot.
	FrameDurationMs int

	// Channels: 1 or 2.
	Channels int

	// Bitrate in bits per second. Bounds the encoded payload size per
	// frame. Default: 32000.
	Bitrate int

	// Complexity is the encoder effort setting (0–10). Retained for
	// codecs that expose it; the gopus binding encodes at its default.
	Complexity int

	// EnableFEC turns on application-level loss protection: under
	// sustained packet loss the framer re-emits the latest frame as a
	// redundant duplicate.
	EnableFEC bool

	// EnableDTX suppresses frames of digital silence entirely instead of
	// encoding them.
	EnableDTX bool

	// FailOnCodecError disables the degraded fallback compressor: a codec
	// failure surfaces as a *CodecError instead of a degraded frame.
	FailOnCodecError bool
}

// FrameSamples returns the per-channel sample count of one output frame.
func (c Config) FrameSamples() int {
	return c.SampleRate * c.FrameDurationMs / 1000
}

// frameBytes returns the byte length of one full PCM frame.
func (c Config) frameBytes() int {
	return c.FrameSamples() * c.Channels * 2
}

// maxPayload bounds the encoded payload to the configured bitrate.
func (c Config) maxPayload() int {
	n := c.Bitrate * c.FrameDurationMs / 8000
	if n < 128 {
		n = 128
	}
	if n > maxOpusPayload {
		n = maxOpusPayload
	}
	return n
}

// validate rejects configurations Opus cannot express and fills defaults.
func (c *Config) validate() error {
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opusframer: sample rate %d is not an Opus rate", c.SampleRate)
	}
	switch c.FrameDurationMs {
	case 10, 20, 40, 60:
	default:
		return fmt.Errorf("opusframer: frame duration %dms is not an Opus frame size", c.FrameDurationMs)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("opusframer: %d channels unsupported (want 1 or 2)", c.Channels)
	}
	if c.Bitrate <= 0 {
		c.Bitrate = 32000
	}
	if c.Complexity < 0 || c.Complexity > 10 {
		return fmt.Errorf("opusframer: complexity %d out of range [0, 10]", c.Complexity)
	}
	return nil
}

// Encoder is the codec seam. The production implementation is a gopus
// encoder; tests inject failing or recording fakes.
type Encoder interface {
	// Encode compresses exactly frameSize samples per channel of
	// interleaved PCM into at most maxBytes of payload.
	Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error)
}

// EncoderFactory builds an Encoder for a validated config.
type EncoderFactory func(cfg Config) (Encoder, error)

// gopusFactory is the production codec.
func gopusFactory(cfg Config) (Encoder, error) {
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opusframer: create opus encoder: %w", err)
	}
	return enc, nil
}

// Stats are the framer's lifetime counters.
type Stats struct {
	FramesEncoded   uint64
	FramesDropped   uint64
	FallbackFrames  uint64
	RedundantFrames uint64
	DTXSuppressed   uint64
	CodecFailures   uint64
}

// Option configures a Framer.
type Option func(*Framer)

// WithEncoderFactory replaces the gopus codec. Used by tests and the
// performance harness to inject deterministic encoders.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(fr *Framer) { fr.factory = f }
}

// WithClock injects the clock used for encode timestamps and latency
// measurement.
func WithClock(c clock.Clock) Option {
	return func(fr *Framer) { fr.clk = c }
}

// Framer implements the PCM → Opus framing stage.
type Framer struct {
	cfg     Config
	factory EncoderFactory
	clk     clock.Clock

	enc      Encoder
	degraded bool // fallback compressor engaged

	buf []byte // partial-frame carry

	seq    uint64
	recent []audio.EncodedFrame

	encodeLat *stats.LatencyWindow
	losses    []bool // ring of delivered/lost reports
	lossNext  int
	lossFill  int

	stats      Stats
	encRetried bool
	warnedSlow bool
}

// New validates cfg and returns an unready Framer. Call Initialize before
// the first Ingest.
func New(cfg Config, opts ...Option) (*Framer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	f := &Framer{
		cfg:       cfg,
		factory:   gopusFactory,
		clk:       clock.New(),
		buf:       make([]byte, 0, cfg.frameBytes()*2),
		recent:    make([]audio.EncodedFrame, 0, recentFrames),
		encodeLat: stats.NewLatencyWindow(64, time.Duration(cfg.FrameDurationMs)*time.Millisecond/2),
		losses:    make([]bool, lossWindow),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Initialize creates the codec. Idempotent; safe to retry after an error.
func (f *Framer) Initialize() error {
	if f.enc != nil {
		return nil
	}
	enc, err := f.factory(f.cfg)
	if err != nil {
		return err
	}
	f.enc = enc
	f.degraded = false
	return nil
}

// Initialized reports whether the codec is ready.
func (f *Framer) Initialized() bool { return f.enc != nil }

// Degraded reports whether the framer has fallen back to the degraded
// compressor.
func (f *Framer) Degraded() bool { return f.degraded }

// Config returns the active configuration.
func (f *Framer) Config() Config { return f.cfg }

// Stats returns a copy of the lifetime counters.
func (f *Framer) Stats() Stats { return f.stats }

// Configure replaces the audio parameters. Any partially buffered PCM is
// discarded and, if the framer was initialized, the codec is rebuilt for
// the new format. Sequence numbers continue from where they were — they
// are never reused within one framer's lifetime.
func (f *Framer) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	f.cfg = cfg
	f.buf = f.buf[:0]
	f.recent = f.recent[:0]
	f.encRetried = false
	if f.enc != nil {
		f.enc = nil
		if err := f.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// Ingest appends a PCM chunk and returns every frame that became complete,
// in order. A format mismatch drops the chunk and returns a *FormatError;
// the framer remains usable. Returns ErrNotInitialized before Initialize.
func (f *Framer) Ingest(frame audio.PCMFrame) ([]audio.EncodedFrame, error) {
	if f.enc == nil {
		return nil, ErrNotInitialized
	}
	if frame.SampleRate != f.cfg.SampleRate || frame.Channels != f.cfg.Channels {
		f.stats.FramesDropped++
		return nil, &FormatError{
			Got:  audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels},
			Want: audio.Format{SampleRate: f.cfg.SampleRate, Channels: f.cfg.Channels},
		}
	}
	if len(frame.Data)%2 != 0 {
		f.stats.FramesDropped++
		return nil, &FormatError{
			Got:  audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels},
			Want: audio.Format{SampleRate: f.cfg.SampleRate, Channels: f.cfg.Channels},
		}
	}

	f.buf = append(f.buf, frame.Data...)

	var out []audio.EncodedFrame
	frameBytes := f.cfg.frameBytes()
	for len(f.buf) >= frameBytes {
		pcm := f.buf[:frameBytes]

		if f.cfg.EnableDTX && isSilence(pcm) {
			f.stats.DTXSuppressed++
			f.buf = f.buf[frameBytes:]
			continue
		}

		encoded, err := f.encodeOne(pcm)
		if err != nil {
			// One retry at the next frame boundary: leave the PCM
			// buffered the first time, drop it for good the second.
			if !f.encRetried {
				f.encRetried = true
				return out, err
			}
			f.encRetried = false
			f.stats.FramesDropped++
			f.buf = f.buf[frameBytes:]
			return out, err
		}
		f.encRetried = false
		f.buf = f.buf[frameBytes:]
		out = append(out, encoded)

		if red, ok := f.maybeRedundant(encoded); ok {
			out = append(out, red)
		}
	}

	// Reclaim the carry buffer head so it does not grow without bound.
	if len(f.buf) > 0 && cap(f.buf) > frameBytes*4 {
		carried := make([]byte, len(f.buf), frameBytes*2)
		copy(carried, f.buf)
		f.buf = carried
	}

	return out, nil
}

// encodeOne compresses one exact frame of PCM, falling back to the degraded
// compressor when the codec fails and fallback is allowed.
func (f *Framer) encodeOne(pcm []byte) (audio.EncodedFrame, error) {
	start := f.clk.Now()
	samples := audio.BytesToInt16(pcm)

	payload, err := f.enc.Encode(samples, f.cfg.FrameSamples(), f.cfg.maxPayload())
	degraded := false
	if err != nil {
		f.stats.CodecFailures++
		if f.cfg.FailOnCodecError {
			return audio.EncodedFrame{}, &CodecError{Err: err}
		}
		if !f.degraded {
			slog.Warn("opus encode failed, switching to degraded compressor",
				"err", err,
				"sampleRate", f.cfg.SampleRate,
				"frameMs", f.cfg.FrameDurationMs,
			)
			f.degraded = true
		}
		payload = encodeDegraded(samples)
		degraded = true
		f.stats.FallbackFrames++
	}

	f.seq++
	frame := audio.EncodedFrame{
		Payload:  payload,
		Sequence: f.seq,
		Duration: time.Duration(f.cfg.FrameDurationMs) * time.Millisecond,
		Degraded: degraded,
		Encoded:  f.clk.Now(),
	}
	f.stats.FramesEncoded++
	f.encodeLat.Record(f.clk.Since(start))

	f.recent = append(f.recent, frame)
	if len(f.recent) > recentFrames {
		f.recent = f.recent[1:]
	}

	return frame, nil
}

// maybeRedundant decides whether to duplicate the frame for loss
// protection. The duplicate carries a fresh sequence number — a number is
// never reused, even for copies of the same payload.
func (f *Framer) maybeRedundant(last audio.EncodedFrame) (audio.EncodedFrame, bool) {
	if !f.cfg.EnableFEC {
		return audio.EncodedFrame{}, false
	}

	trigger := f.recentLossRate() > lossThreshold
	if !trigger {
		snap := f.encodeLat.Snapshot()
		budget := time.Duration(f.cfg.FrameDurationMs) * time.Millisecond / 2
		if snap.Count >= 8 && snap.P95 > budget {
			trigger = true
			if !f.warnedSlow {
				slog.Warn("encode latency over budget, emitting redundant frames",
					"p95", snap.P95, "budget", budget)
				f.warnedSlow = true
			}
		}
	}
	if !trigger {
		return audio.EncodedFrame{}, false
	}

	f.seq++
	f.stats.RedundantFrames++
	dup := audio.EncodedFrame{
		Payload:   last.Payload,
		Sequence:  f.seq,
		Duration:  last.Duration,
		Redundant: true,
		Degraded:  last.Degraded,
		Encoded:   f.clk.Now(),
	}
	return dup, true
}

// ReportDelivery feeds transport feedback into the redundancy decision:
// delivered=false marks a lost frame.
func (f *Framer) ReportDelivery(delivered bool) {
	f.losses[f.lossNext] = !delivered
	f.lossNext = (f.lossNext + 1) % len(f.losses)
	if f.lossFill < len(f.losses) {
		f.lossFill++
	}
}

// recentLossRate returns the lost fraction over the report window.
func (f *Framer) recentLossRate() float64 {
	if f.lossFill == 0 {
		return 0
	}
	lost := 0
	for i := 0; i < f.lossFill; i++ {
		if f.losses[i] {
			lost++
		}
	}
	return float64(lost) / float64(f.lossFill)
}

// RecentFrames returns the short rolling buffer of the latest encoded
// frames, oldest first.
func (f *Framer) RecentFrames() []audio.EncodedFrame {
	out := make([]audio.EncodedFrame, len(f.recent))
	copy(out, f.recent)
	return out
}

// EncodeLatency returns the rolling encode-latency aggregate.
func (f *Framer) EncodeLatency() stats.Snapshot { return f.encodeLat.Snapshot() }

// isSilence reports whether every sample sits below the DTX floor.
func isSilence(pcm []byte) bool {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(pcm[i]) | int16(pcm[i+1])<<8
		if s > dtxFloor || s < -dtxFloor {
			return false
		}
	}
	return true
}

// encodeDegraded is the fallback compressor: G.711-style µ-law companding,
// one byte per sample. Half the bitrate of raw PCM and audibly rougher than
// Opus, but it keeps audio flowing when the codec is gone.
func encodeDegraded(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = mulawByte(s)
	}
	return out
}

// mulawByte compands one 16-bit sample to 8-bit µ-law.
func mulawByte(s int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > clip {
		v = clip
	}
	v += bias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
