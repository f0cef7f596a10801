package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"
)

// EmulatorOptions shapes the synthetic sensor trace of an EmulatorPort.
type EmulatorOptions struct {
	// Positions are visited in order, then in reverse, forever (metres).
	Positions []float64
	// Dwell is how long the emulated axis rests at each position.
	Dwell time.Duration
	// Travel is how long a move between two positions takes.
	Travel time.Duration
	// Period is the time between two emitted lines.
	Period time.Duration
	// Noise is the standard deviation of the added gaussian noise (metres).
	Noise float64
	Seed  uint64
}

func (o EmulatorOptions) withDefaults() EmulatorOptions {
	if len(o.Positions) == 0 {
		o.Positions = []float64{0.01, 0.02, 0.03}
	}
	if o.Dwell <= 0 {
		o.Dwell = 3 * time.Second
	}
	if o.Travel <= 0 {
		o.Travel = time.Second
	}
	if o.Period <= 0 {
		o.Period = 20 * time.Millisecond
	}
	return o
}

// EmulatorPort is a SerialPorter that produces {"distance": m} lines for an
// axis moving between fixed positions. Writes are accepted and discarded.
type EmulatorPort struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
	once sync.Once
}

// NewEmulatorPort starts generating lines immediately.
func NewEmulatorPort(opts EmulatorOptions) *EmulatorPort {
	opts = opts.withDefaults()
	r, w := io.Pipe()
	p := &EmulatorPort{r: r, w: w, done: make(chan struct{})}
	go p.run(opts)
	return p
}

func (p *EmulatorPort) run(opts EmulatorOptions) {
	defer p.w.Close()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	route := pingPong(opts.Positions)

	ticker := time.NewTicker(opts.Period)
	defer ticker.Stop()
	start := time.Now()
	leg := opts.Dwell + opts.Travel

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			i := int(elapsed/leg) % len(route)
			from, to := route[i], route[(i+1)%len(route)]
			pos := from
			if into := elapsed % leg; into > opts.Dwell {
				frac := float64(into-opts.Dwell) / float64(opts.Travel)
				pos = from + (to-from)*frac
			}
			pos += rng.NormFloat64() * opts.Noise
			if _, err := fmt.Fprintf(p.w, "{\"distance\": %.7f}\n", pos); err != nil {
				return
			}
		}
	}
}

func pingPong(positions []float64) []float64 {
	route := append([]float64(nil), positions...)
	for i := len(positions) - 2; i > 0; i-- {
		route = append(route, positions[i])
	}
	return route
}

func (p *EmulatorPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *EmulatorPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *EmulatorPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.r.Close()
	})
	return nil
}

// NewEmulatedSerialMux returns a mux fed by an EmulatorPort.
func NewEmulatedSerialMux(opts EmulatorOptions) *SerialMux[*EmulatorPort] {
	logf("using emulated sensor")
	return NewSerialMux(NewEmulatorPort(opts))
}

// TestableSerialPort is an in-memory SerialPorter with scripted reads and
// recorded writes.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error
	Closed     bool

	readCond *sync.Cond
}

func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is added or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// Written returns everything written to the port so far.
func (t *TestableSerialPort) Written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.WriteBuffer.String()
}
