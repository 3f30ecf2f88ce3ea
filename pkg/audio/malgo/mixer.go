package malgo

// voice is one buffer placed on the output timeline. Positions are in device
// frames. Fields other than stopped are immutable after scheduling.
type voice struct {
	out     *Output
	samples []float32
	start   int64
	frames  int64
	done    func()
	stopped bool // guarded by out.mu
}

func (v *voice) end() int64 { return v.start + v.frames }

// Stop silences the voice from the next device period on.
func (v *voice) Stop() {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	v.stopped = true
}

// mixer sums overlapping voices into interleaved output and keeps the frame
// clock. It is not safe for concurrent use; Output guards it.
type mixer struct {
	channels int
	rendered int64
	voices   []*voice
}

// render mixes the next n frames into dst, which must hold n*channels samples,
// advances the clock and returns the voices that finished within the period.
// Stopped voices are dropped without being reported.
func (m *mixer) render(dst []float32, n int) []*voice {
	clear(dst)
	ch := int64(m.channels)
	from, to := m.rendered, m.rendered+int64(n)

	for _, v := range m.voices {
		if v.stopped {
			continue
		}
		lo, hi := max(v.start, from), min(v.end(), to)
		for t := lo; t < hi; t++ {
			src, out := (t-v.start)*ch, (t-from)*ch
			for c := range ch {
				dst[out+c] += v.samples[src+c]
			}
		}
	}
	for i, s := range dst {
		dst[i] = max(-1, min(1, s))
	}
	m.rendered = to

	var finished []*voice
	keep := m.voices[:0]
	for _, v := range m.voices {
		switch {
		case v.stopped:
		case v.end() <= to:
			finished = append(finished, v)
		default:
			keep = append(keep, v)
		}
	}
	clear(m.voices[len(keep):])
	m.voices = keep
	return finished
}
