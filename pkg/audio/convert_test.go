package audio_test

import (
	"testing"

	"github.com/sitespeak/voicecore/pkg/audio"
)

// monoFrame builds a mono PCMFrame from int16 samples at the given rate.
func monoFrame(rate int, samples []int16) audio.PCMFrame {
	return audio.PCMFrame{
		Data:       audio.Int16ToBytes(samples),
		SampleRate: rate,
		Channels:   1,
	}
}

func TestConvert_FastPathReturnsInputUnchanged(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	in := monoFrame(48000, []int16{1, 2, 3, 4})
	out := conv.Convert(in)

	if &out.Data[0] != &in.Data[0] {
		t.Fatalf("matching format should not copy data")
	}
}

func TestConvert_DropsOddByteCount(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := conv.Convert(audio.PCMFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})

	if out.Data != nil {
		t.Fatalf("corrupt frame should come back with nil data, got %d bytes", len(out.Data))
	}
}

func TestConvert_Downsample48to16(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := monoFrame(48000, make([]int16, 960))
	out := conv.Convert(in)

	if out.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", out.SampleRate)
	}
	if got := len(out.Data) / 2; got != 320 {
		t.Fatalf("samples = %d, want 320 (960 * 16k/48k)", got)
	}
}

func TestConvert_StereoToMonoAverages(t *testing.T) {
	t.Parallel()

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	// One stereo frame: L=100, R=300 → mono 200.
	in := audio.PCMFrame{
		Data:       audio.Int16ToBytes([]int16{100, 300}),
		SampleRate: 48000,
		Channels:   2,
	}
	out := conv.Convert(in)

	samples := audio.BytesToInt16(out.Data)
	if len(samples) != 1 || samples[0] != 200 {
		t.Fatalf("mono samples = %v, want [200]", samples)
	}
}

func TestMonoToStereo_DuplicatesSamples(t *testing.T) {
	t.Parallel()

	out := audio.MonoToStereo(audio.Int16ToBytes([]int16{7, -7}))
	samples := audio.BytesToInt16(out)
	want := []int16{7, 7, -7, -7}
	if len(samples) != len(want) {
		t.Fatalf("samples = %v, want %v", samples, want)
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("samples = %v, want %v", samples, want)
		}
	}
}

func TestStereoToMono_ClampsOverflow(t *testing.T) {
	t.Parallel()

	out := audio.StereoToMono(audio.Int16ToBytes([]int16{32767, 32767}))
	samples := audio.BytesToInt16(out)
	if len(samples) != 1 || samples[0] != 32767 {
		t.Fatalf("samples = %v, want [32767]", samples)
	}
}

func TestResampleMono16_SameRateIsNoop(t *testing.T) {
	t.Parallel()

	in := audio.Int16ToBytes([]int16{1, 2, 3})
	out := audio.ResampleMono16(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Fatalf("same-rate resample should return input")
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()

	in := audio.Int16ToBytes(make([]int16, 160))
	out := audio.ResampleMono16(in, 16000, 48000)
	if got := len(out) / 2; got != 480 {
		t.Fatalf("samples = %d, want 480", got)
	}
}

func TestPCMFrame_Samples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		bytes    int
		channels int
		want     int
	}{
		{"mono 20ms at 48k", 1920, 1, 960},
		{"stereo 20ms at 48k", 3840, 2, 960},
		{"zero channels", 100, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := audio.PCMFrame{Data: make([]byte, tt.bytes), Channels: tt.channels}
			if got := f.Samples(); got != tt.want {
				t.Fatalf("Samples() = %d, want %d", got, tt.want)
			}
		})
	}
}
