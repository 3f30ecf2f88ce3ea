package playback_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nullxes/luna/pkg/audio"
	"github.com/nullxes/luna/pkg/audio/mock"
	"github.com/nullxes/luna/pkg/audio/playback"
)

var mono24k = audio.Format{SampleRate: 24000, Channels: 1}

// frameOf returns a 24 kHz mono frame lasting d.
func frameOf(d time.Duration) audio.Frame {
	n := int(d * 24000 / time.Second)
	return audio.Frame{Samples: make([]int16, n), SampleRate: 24000, Channels: 1}
}

// signals counts playback start/end callbacks.
type signals struct {
	starts atomic.Int32
	ends   atomic.Int32
}

func (s *signals) options() []playback.Option {
	return []playback.Option{
		playback.WithOnPlaybackStart(func() { s.starts.Add(1) }),
		playback.WithOnPlaybackEnd(func() { s.ends.Add(1) }),
	}
}

func (s *signals) assert(t *testing.T, starts, ends int32) {
	t.Helper()
	if got := s.starts.Load(); got != starts {
		t.Errorf("playback starts = %d, want %d", got, starts)
	}
	if got := s.ends.Load(); got != ends {
		t.Errorf("playback ends = %d, want %d", got, ends)
	}
}

func TestEnqueue_GaplessScenario(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	dev.Advance(2 * time.Second) // t0 = 2s
	t0 := dev.Now()
	sched := playback.New(dev)

	durations := []time.Duration{500 * time.Millisecond, 300 * time.Millisecond, 200 * time.Millisecond}
	wantStarts := []time.Duration{t0, t0 + 500*time.Millisecond, t0 + 800*time.Millisecond}

	for i, d := range durations {
		start, err := sched.Enqueue(frameOf(d))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if start != wantStarts[i] {
			t.Errorf("buffer %d start = %v, want %v", i, start, wantStarts[i])
		}
	}

	voices := dev.Voices()
	if len(voices) != 3 {
		t.Fatalf("scheduled %d voices, want 3", len(voices))
	}
	if end := voices[2].End(); end != t0+time.Second {
		t.Errorf("last buffer ends at %v, want %v", end, t0+time.Second)
	}
	if got := sched.NextPlaybackTime(); got != t0+time.Second {
		t.Errorf("NextPlaybackTime = %v, want %v", got, t0+time.Second)
	}
	if got := sched.Active(); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestEnqueue_NoGapNoOverlap(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	sched := playback.New(dev)

	for i := range 20 {
		d := time.Duration(10+i*7) * time.Millisecond
		if _, err := sched.Enqueue(frameOf(d)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		// The clock advances slower than real time, so the cursor always wins.
		dev.Advance(time.Millisecond)
	}

	voices := dev.Voices()
	for i := 1; i < len(voices); i++ {
		prev, cur := voices[i-1], voices[i]
		if cur.Start != prev.Start+prev.Buffer.Duration() {
			t.Errorf("buffer %d start = %v, want previous start %v + duration %v",
				i, cur.Start, prev.Start, prev.Buffer.Duration())
		}
	}
}

func TestEnqueue_AfterIdleStartsAtClock(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	sched := playback.New(dev)

	if _, err := sched.Enqueue(frameOf(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	dev.Advance(time.Second) // playback finished long ago

	start, err := sched.Enqueue(frameOf(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if start != time.Second {
		t.Errorf("start = %v, want device clock %v", start, time.Second)
	}
}

func TestFlushAll_ResetsCursorAndStopsVoices(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	for range 5 {
		if _, err := sched.Enqueue(frameOf(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	dev.Advance(300 * time.Millisecond)

	if n := sched.FlushAll(); n != 5 {
		t.Errorf("FlushAll stopped %d buffers, want 5", n)
	}
	if got := sched.Active(); got != 0 {
		t.Errorf("Active after flush = %d, want 0", got)
	}
	for i, v := range dev.Voices() {
		if !v.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	// Next enqueue is relative to the clock, not the stale cursor at 5s.
	start, err := sched.Enqueue(frameOf(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if start != 300*time.Millisecond {
		t.Errorf("start after flush = %v, want %v", start, 300*time.Millisecond)
	}
	sig.assert(t, 2, 1)
}

func TestFlushAll_EmptyIsSilent(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	if n := sched.FlushAll(); n != 0 {
		t.Errorf("FlushAll on empty = %d, want 0", n)
	}
	sched.FlushAll()
	sig.assert(t, 0, 0)
}

func TestSignalPairing(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	// Three back-to-back buffers: one start, one end.
	for _, d := range []time.Duration{500, 300, 200} {
		if _, err := sched.Enqueue(frameOf(d * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	sig.assert(t, 1, 0)

	dev.Advance(500 * time.Millisecond) // first completes, set still non-empty
	sig.assert(t, 1, 0)
	dev.Advance(500 * time.Millisecond) // remaining two complete
	sig.assert(t, 1, 1)

	// A second utterance after silence.
	if _, err := sched.Enqueue(frameOf(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	sig.assert(t, 2, 1)
	dev.Advance(100 * time.Millisecond)
	sig.assert(t, 2, 2)
}

func TestInterruptWithTwoActive(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	for range 2 {
		if _, err := sched.Enqueue(frameOf(400 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	sched.FlushAll()
	sig.assert(t, 1, 1)

	// The stopped voices never complete, and an already-flushed completion
	// would be ignored anyway: no redundant end signal.
	dev.Advance(5 * time.Second)
	sig.assert(t, 1, 1)
	if dev.CallCountStop != 2 {
		t.Errorf("voices stopped = %d, want 2", dev.CallCountStop)
	}
}

// lateDevice fires completions even for stopped voices, as some drivers do.
type lateDevice struct {
	*mock.OutputDevice
	mu    sync.Mutex
	dones []func()
}

func (d *lateDevice) Schedule(buf audio.Buffer, at time.Duration, done func()) (audio.Voice, error) {
	d.mu.Lock()
	d.dones = append(d.dones, done)
	d.mu.Unlock()
	return d.OutputDevice.Schedule(buf, at, nil)
}

func TestCompletionAfterFlushIgnored(t *testing.T) {
	t.Parallel()
	dev := &lateDevice{OutputDevice: mock.NewOutputDevice(mono24k)}
	var sig signals
	sched := playback.New(dev, sig.options()...)

	for range 2 {
		if _, err := sched.Enqueue(frameOf(100 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	sched.FlushAll()
	for _, done := range dev.dones {
		done()
	}
	sig.assert(t, 1, 1)
}

func TestEnqueue_DeviceError(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	dev.ScheduleError = errors.New("device unplugged")
	var sig signals
	sched := playback.New(dev, sig.options()...)

	_, err := sched.Enqueue(frameOf(100 * time.Millisecond))
	if !audio.IsDeviceError(err) {
		t.Errorf("err = %v, want *audio.DeviceError", err)
	}
	if sched.Active() != 0 {
		t.Error("failed enqueue must not join the active set")
	}
	sig.assert(t, 0, 0)
}

func TestEnqueue_EmptyFrameIgnored(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	if _, err := sched.Enqueue(audio.Frame{SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatal(err)
	}
	if len(dev.Voices()) != 0 {
		t.Error("empty frame should not be scheduled")
	}
	sig.assert(t, 0, 0)
}

func TestEnqueue_ResamplesToDeviceRate(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(audio.Format{SampleRate: 48000, Channels: 1})
	sched := playback.New(dev)

	if _, err := sched.Enqueue(frameOf(500 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	v := dev.Voices()[0]
	if v.Buffer.SampleRate != 48000 {
		t.Errorf("buffer rate = %d, want 48000", v.Buffer.SampleRate)
	}
	if d := v.Buffer.Duration(); d != 500*time.Millisecond {
		t.Errorf("buffer duration = %v, want 500ms", d)
	}
}

func TestEnqueue_DecodesToFloat(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	sched := playback.New(dev)

	frame := audio.Frame{Samples: []int16{0, 16384, -32768}, SampleRate: 24000, Channels: 1}
	if _, err := sched.Enqueue(frame); err != nil {
		t.Fatal(err)
	}
	got := dev.Voices()[0].Buffer.Samples
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestClose_RejectsEnqueue(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	if _, err := sched.Enqueue(frameOf(time.Second)); err != nil {
		t.Fatal(err)
	}
	sched.Close()
	sig.assert(t, 1, 1)

	if _, err := sched.Enqueue(frameOf(time.Second)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
	if dev.CallCountClose != 0 {
		t.Error("scheduler must not close the device it does not own")
	}
}

func TestConcurrentEnqueueFlushComplete(t *testing.T) {
	t.Parallel()
	dev := mock.NewOutputDevice(mono24k)
	var sig signals
	sched := playback.New(dev, sig.options()...)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for range 200 {
			_, _ = sched.Enqueue(frameOf(5 * time.Millisecond))
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			sched.FlushAll()
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			dev.Advance(3 * time.Millisecond)
		}
	}()
	wg.Wait()

	sched.FlushAll()
	dev.Advance(time.Minute)
	if sched.Active() != 0 {
		t.Errorf("Active = %d, want 0", sched.Active())
	}
	// Every start is matched by exactly one end once the set is empty.
	if s, e := sig.starts.Load(), sig.ends.Load(); s != e {
		t.Errorf("starts = %d, ends = %d; want equal", s, e)
	}
}
