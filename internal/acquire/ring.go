package acquire

// ring keeps the most recent samples, overwriting the oldest at capacity.
type ring struct {
	buf  []float64
	head int // next write position
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = BufferCapacity
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) len() int { return r.size }

// at returns the i-th sample counted from the oldest.
func (r *ring) at(i int) float64 {
	return r.buf[(r.head-r.size+i+len(r.buf))%len(r.buf)]
}

func (r *ring) last() (float64, bool) {
	if r.size == 0 {
		return 0, false
	}
	return r.at(r.size - 1), true
}

func (r *ring) reset() {
	r.head = 0
	r.size = 0
}
