package serialmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/calibrix/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestSerialMux_Subscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected two distinct ids, got %q and %q", id1, id2)
	}
	if ch1 == nil || ch2 == nil {
		t.Fatal("Subscribe returned a nil channel")
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	mux.Unsubscribe("non-existent-id")

	mux.subscriberMu.Lock()
	defer mux.subscriberMu.Unlock()
	if len(mux.subscribers) != 1 {
		t.Errorf("expected 1 subscriber, got %d", len(mux.subscribers))
	}
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	for _, cmd := range []string{"start", "stop\n"} {
		if err := mux.SendCommand(cmd); err != nil {
			t.Fatalf("SendCommand(%q) error = %v", cmd, err)
		}
	}
	if got, want := port.Written(), "start\nstop\n"; got != want {
		t.Errorf("written = %q, want %q", got, want)
	}

	port.WriteError = errors.New("boom")
	if err := mux.SendCommand("x"); err == nil {
		t.Error("expected write error")
	}
}

func TestSerialMux_MonitorFansOutLines(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("{\"distance\": 0.0101}\n0.0202\n"))

	for _, ch := range []chan string{a, b} {
		for _, want := range []string{"{\"distance\": 0.0101}", "0.0202"} {
			select {
			case got := <-ch:
				if got != want {
					t.Errorf("line = %q, want %q", got, want)
				}
			case <-time.After(time.Second):
				t.Fatalf("timeout waiting for %q", want)
			}
		}
	}

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
}

func TestSerialMux_MonitorEndsAtEOF(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	port.AddReadData([]byte("1\n"))
	port.Close()

	if err := mux.Monitor(context.Background()); err != nil {
		t.Errorf("Monitor() error = %v, want nil at EOF", err)
	}
}

func TestSerialMux_CloseClosesSubscribers(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed")
	}
	if !port.Closed {
		t.Error("expected port to be closed")
	}
}

func TestEmulatedSerialMux_ProducesSamples(t *testing.T) {
	mux := NewEmulatedSerialMux(EmulatorOptions{
		Positions: []float64{0.5},
		Period:    time.Millisecond,
	})
	defer mux.Close()
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	select {
	case line := <-ch:
		if !strings.HasPrefix(line, "{\"distance\"") {
			t.Fatalf("unexpected line %q", line)
		}
		v, err := ParseSample(line, 1)
		if err != nil {
			t.Fatalf("ParseSample(%q) error = %v", line, err)
		}
		if v != 0.5 {
			t.Errorf("distance = %v, want 0.5 without noise", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for emulated line")
	}
}

func TestPingPong(t *testing.T) {
	got := pingPong([]float64{1, 2, 3, 4})
	want := []float64{1, 2, 3, 4, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("pingPong = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pingPong = %v, want %v", got, want)
		}
	}
}
