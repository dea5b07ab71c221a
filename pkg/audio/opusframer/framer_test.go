package opusframer_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/clock"
)

// fakeEncoder is a deterministic Encoder: it emits one byte per 100 input
// samples so payloads are recognisable, or fails when failAfter is reached.
type fakeEncoder struct {
	calls     int
	failAfter int // 0 = never fail; N = fail on call N and later
	delay     time.Duration
	clk       *clock.Mock
}

func (e *fakeEncoder) Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error) {
	e.calls++
	if e.failAfter > 0 && e.calls >= e.failAfter {
		return nil, errors.New("synthetic codec failure")
	}
	if e.clk != nil && e.delay > 0 {
		e.clk.Advance(e.delay)
	}
	return make([]byte, len(pcm)/100+1), nil
}

// testConfig is 48kHz mono 20ms — frameSize 960 samples, 1920 bytes.
func testConfig() opusframer.Config {
	return opusframer.Config{
		SampleRate:      48000,
		FrameDurationMs: 20,
		Channels:        1,
		Bitrate:         32000,
	}
}

// newFramer builds an initialized Framer around a fake encoder.
func newFramer(t *testing.T, cfg opusframer.Config, enc *fakeEncoder, opts ...opusframer.Option) *opusframer.Framer {
	t.Helper()
	all := append([]opusframer.Option{
		opusframer.WithEncoderFactory(func(opusframer.Config) (opusframer.Encoder, error) {
			return enc, nil
		}),
	}, opts...)
	f, err := opusframer.New(cfg, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return f
}

// pcm builds a PCMFrame with n samples of a constant non-silent value.
func pcm(n int) audio.PCMFrame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 1000
	}
	return audio.PCMFrame{
		Data:       audio.Int16ToBytes(samples),
		SampleRate: 48000,
		Channels:   1,
	}
}

func ingest(t *testing.T, f *opusframer.Framer, frame audio.PCMFrame) []audio.EncodedFrame {
	t.Helper()
	out, err := f.Ingest(frame)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return out
}

// ── Construction ───────────────────────────────────────────────────────────

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*opusframer.Config)
	}{
		{"non-opus sample rate", func(c *opusframer.Config) { c.SampleRate = 44100 }},
		{"non-opus frame duration", func(c *opusframer.Config) { c.FrameDurationMs = 25 }},
		{"three channels", func(c *opusframer.Config) { c.Channels = 3 }},
		{"complexity out of range", func(c *opusframer.Config) { c.Complexity = 11 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := opusframer.New(cfg); err == nil {
				t.Fatalf("want config error, got nil")
			}
		})
	}
}

func TestIngest_FailsFastBeforeInitialize(t *testing.T) {
	t.Parallel()

	f, err := opusframer.New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := f.Ingest(pcm(960)); !errors.Is(err, opusframer.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	t.Parallel()

	factoryCalls := 0
	f, err := opusframer.New(testConfig(), opusframer.WithEncoderFactory(
		func(opusframer.Config) (opusframer.Encoder, error) {
			factoryCalls++
			return &fakeEncoder{}, nil
		}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if factoryCalls != 1 {
		t.Fatalf("factory called %d times, want 1", factoryCalls)
	}
}

// ── Framing ────────────────────────────────────────────────────────────────

func TestIngest_ExactFrameYieldsOneFrame(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	out := ingest(t, f, pcm(960))
	if len(out) != 1 {
		t.Fatalf("frames = %d, want 1", len(out))
	}
	if out[0].Duration != 20*time.Millisecond {
		t.Fatalf("duration = %v, want 20ms", out[0].Duration)
	}
}

func TestIngest_DoubleFrameYieldsTwoFrames(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	out := ingest(t, f, pcm(1920))
	if len(out) != 2 {
		t.Fatalf("frames = %d, want 2", len(out))
	}
}

func TestIngest_ChunkBoundaryInvariant(t *testing.T) {
	t.Parallel()

	// The same 4800 samples delivered in different chunkings must yield
	// the same 5 frames.
	chunkings := [][]int{
		{4800},
		{960, 960, 960, 960, 960},
		{100, 860, 1000, 1900, 940},
		{1, 959, 962, 958, 1920},
	}
	for _, chunks := range chunkings {
		name := fmt.Sprintf("%v", chunks)
		t.Run(name, func(t *testing.T) {
			f := newFramer(t, testConfig(), &fakeEncoder{})
			total := 0
			for _, n := range chunks {
				total += len(ingest(t, f, pcm(n)))
			}
			if total != 5 {
				t.Fatalf("frames = %d, want 5", total)
			}
		})
	}
}

func TestIngest_RemainderCarriedForward(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	if out := ingest(t, f, pcm(500)); len(out) != 0 {
		t.Fatalf("partial chunk produced %d frames", len(out))
	}
	if out := ingest(t, f, pcm(500)); len(out) != 1 {
		t.Fatalf("second chunk should complete exactly 1 frame")
	}
}

func TestIngest_SequenceStrictlyIncreasingNoGaps(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	out := ingest(t, f, pcm(960*10))

	var last uint64
	for i, frame := range out {
		if frame.Sequence != last+1 {
			t.Fatalf("frame %d: sequence %d after %d, want contiguous", i, frame.Sequence, last)
		}
		last = frame.Sequence
	}
}

func TestIngest_FormatMismatchDroppedAndCounted(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})

	bad := pcm(960)
	bad.SampleRate = 16000
	_, err := f.Ingest(bad)
	var formatErr *opusframer.FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("err = %v, want *FormatError", err)
	}
	if f.Stats().FramesDropped != 1 {
		t.Fatalf("FramesDropped = %d, want 1", f.Stats().FramesDropped)
	}

	// Framer still works afterwards.
	if out := ingest(t, f, pcm(960)); len(out) != 1 {
		t.Fatalf("framer unusable after mismatch")
	}
}

func TestConfigure_ResetsPartialBuffer(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	ingest(t, f, pcm(500)) // partial

	cfg := testConfig()
	cfg.Bitrate = 64000
	if err := f.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// The 500 buffered samples are gone: 500 more must not complete a frame.
	if out := ingest(t, f, pcm(500)); len(out) != 0 {
		t.Fatalf("stale partial buffer survived Configure")
	}
}

func TestConfigure_SequenceNeverReused(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	out := ingest(t, f, pcm(960*3))
	lastSeq := out[len(out)-1].Sequence

	if err := f.Configure(testConfig()); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	out = ingest(t, f, pcm(960))
	if out[0].Sequence <= lastSeq {
		t.Fatalf("sequence %d reused after Configure (last was %d)", out[0].Sequence, lastSeq)
	}
}

// ── Codec failure and fallback ─────────────────────────────────────────────

func TestIngest_CodecFailureFallsBackDegraded(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{failAfter: 1})
	out := ingest(t, f, pcm(960))

	if len(out) != 1 {
		t.Fatalf("frames = %d, want 1 degraded frame", len(out))
	}
	if !out[0].Degraded {
		t.Fatalf("frame not flagged degraded")
	}
	// µ-law fallback: one byte per sample.
	if len(out[0].Payload) != 960 {
		t.Fatalf("degraded payload = %d bytes, want 960", len(out[0].Payload))
	}
	if !f.Degraded() {
		t.Fatalf("framer should report degraded mode")
	}
	if f.Stats().FallbackFrames != 1 || f.Stats().CodecFailures != 1 {
		t.Fatalf("stats = %+v", f.Stats())
	}
}

func TestIngest_CodecFailureHardWhenFallbackDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailOnCodecError = true
	f := newFramer(t, cfg, &fakeEncoder{failAfter: 1})

	_, err := f.Ingest(pcm(960))
	var codecErr *opusframer.CodecError
	if !errors.As(err, &codecErr) {
		t.Fatalf("err = %v, want *CodecError", err)
	}
}

func TestIngest_EncodeRetriedOnceThenDropped(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailOnCodecError = true
	f := newFramer(t, cfg, &fakeEncoder{failAfter: 1})

	// First failure leaves the frame buffered for one retry.
	if _, err := f.Ingest(pcm(960)); err == nil {
		t.Fatalf("want codec error on first attempt")
	}
	if f.Stats().FramesDropped != 0 {
		t.Fatalf("frame dropped before its retry")
	}

	// The retry happens at the next frame boundary and fails again: the
	// frame is dropped for good, the new frame is attempted next.
	if _, err := f.Ingest(pcm(0)); err == nil {
		t.Fatalf("want codec error on retry")
	}
	if f.Stats().FramesDropped != 1 {
		t.Fatalf("FramesDropped = %d, want 1 after failed retry", f.Stats().FramesDropped)
	}
}

func TestIngest_TransientCodecFailureRecovers(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.FailOnCodecError = true
	f := newFramerWith(t, cfg, &flakyEncoder{failures: 1})
	if _, err := f.Ingest(pcm(960)); err == nil {
		t.Fatalf("want codec error on first attempt")
	}
	// Retry at next boundary succeeds; both frames come out in order.
	out, err := f.Ingest(pcm(960))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("frames = %d, want retried + new", len(out))
	}
	if out[0].Sequence != 1 || out[1].Sequence != 2 {
		t.Fatalf("sequences = %d,%d want 1,2", out[0].Sequence, out[1].Sequence)
	}
}

// newFramerWith builds an initialized Framer around any Encoder.
func newFramerWith(t *testing.T, cfg opusframer.Config, enc opusframer.Encoder) *opusframer.Framer {
	t.Helper()
	f, err := opusframer.New(cfg, opusframer.WithEncoderFactory(
		func(opusframer.Config) (opusframer.Encoder, error) { return enc, nil },
	))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return f
}

// flakyEncoder fails the first N calls, then succeeds.
type flakyEncoder struct {
	calls    int
	failures int
}

func (e *flakyEncoder) Encode(pcm []int16, frameSize, maxBytes int) ([]byte, error) {
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("transient codec failure")
	}
	return make([]byte, len(pcm)/100+1), nil
}

// ── Redundancy ─────────────────────────────────────────────────────────────

func TestRedundancy_LossRateTriggersDuplicate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableFEC = true
	f := newFramer(t, cfg, &fakeEncoder{})

	// 10% loss over the report window.
	for i := 0; i < 50; i++ {
		f.ReportDelivery(i%10 != 0)
	}

	out := ingest(t, f, pcm(960))
	if len(out) != 2 {
		t.Fatalf("frames = %d, want primary + redundant", len(out))
	}
	primary, dup := out[0], out[1]
	if !dup.Redundant || primary.Redundant {
		t.Fatalf("redundancy flags wrong: %+v / %+v", primary, dup)
	}
	if dup.Sequence == primary.Sequence {
		t.Fatalf("redundant frame reused sequence %d", primary.Sequence)
	}
	if dup.Sequence != primary.Sequence+1 {
		t.Fatalf("redundant sequence = %d, want %d", dup.Sequence, primary.Sequence+1)
	}
}

func TestRedundancy_DisabledWithoutFEC(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	for i := 0; i < 50; i++ {
		f.ReportDelivery(false) // 100% loss
	}
	if out := ingest(t, f, pcm(960)); len(out) != 1 {
		t.Fatalf("frames = %d, want 1 (FEC disabled)", len(out))
	}
}

func TestRedundancy_NotTriggeredWhenHealthy(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableFEC = true
	f := newFramer(t, cfg, &fakeEncoder{})
	for i := 0; i < 50; i++ {
		f.ReportDelivery(true)
	}
	if out := ingest(t, f, pcm(960)); len(out) != 1 {
		t.Fatalf("frames = %d, want 1 for healthy link", len(out))
	}
}

func TestRedundancy_SlowEncodeTriggersDuplicate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableFEC = true
	mock := clock.NewMock()
	// 15ms per encode against a 10ms (half-frame) budget.
	enc := &fakeEncoder{delay: 15 * time.Millisecond, clk: mock}
	f := newFramer(t, cfg, enc, opusframer.WithClock(mock))

	// Warm the latency window past the sample minimum.
	var out []audio.EncodedFrame
	for i := 0; i < 10; i++ {
		out = ingest(t, f, pcm(960))
	}
	if len(out) != 2 {
		t.Fatalf("frames = %d, want primary + redundant once p95 is over budget", len(out))
	}
}

// ── DTX ────────────────────────────────────────────────────────────────────

func TestIngest_DTXSuppressesSilence(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EnableDTX = true
	f := newFramer(t, cfg, &fakeEncoder{})

	silent := audio.PCMFrame{
		Data:       make([]byte, 1920),
		SampleRate: 48000,
		Channels:   1,
	}
	if out := ingest(t, f, silent); len(out) != 0 {
		t.Fatalf("silent frame encoded despite DTX")
	}
	if f.Stats().DTXSuppressed != 1 {
		t.Fatalf("DTXSuppressed = %d, want 1", f.Stats().DTXSuppressed)
	}

	// Speech still goes through, with no sequence gap.
	out := ingest(t, f, pcm(960))
	if len(out) != 1 || out[0].Sequence != 1 {
		t.Fatalf("out = %+v, want one frame with sequence 1", out)
	}
}

// ── Rolling buffer ─────────────────────────────────────────────────────────

func TestRecentFrames_BoundedToFive(t *testing.T) {
	t.Parallel()

	f := newFramer(t, testConfig(), &fakeEncoder{})
	ingest(t, f, pcm(960*8))

	recent := f.RecentFrames()
	if len(recent) != 5 {
		t.Fatalf("recent = %d frames, want 5", len(recent))
	}
	if recent[4].Sequence != 8 {
		t.Fatalf("newest recent sequence = %d, want 8", recent[4].Sequence)
	}
}
