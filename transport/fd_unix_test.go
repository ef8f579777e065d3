//go:build linux || darwin

package transport

import (
	"bytes"
	"errors"
	"math"
	"os"
	"testing"
	"time"
)

func newPipeTransport(t *testing.T) (*FdTransport, *os.File, *os.File) {
	t.Helper()
	// in: test writes -> transport reads. out: transport writes -> test reads.
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() failed: %v", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() failed: %v", err)
	}
	tr, err := NewFdTransport(inR, outW)
	if err != nil {
		t.Fatalf("NewFdTransport() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = tr.Close()
		_ = inW.Close()
		_ = outR.Close()
	})
	return tr, inW, outR
}

func TestFdTransportNonBlockingReadTimesOut(t *testing.T) {
	tr, _, _ := newPipeTransport(t)

	start := time.Now()
	_, err := tr.Read(16, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Read(timeout=0) blocked for %v", elapsed)
	}
	var opErr *OpError
	if !errors.As(err, &opErr) || !opErr.Timeout() {
		t.Fatalf("Read() error = %#v, want *OpError with Timeout()", err)
	}
}

func TestFdTransportBoundedReadWaits(t *testing.T) {
	tr, _, _ := newPipeTransport(t)

	start := time.Now()
	_, err := tr.Read(16, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("Read() returned after %v, before its timeout", elapsed)
	}
}

func TestFdTransportReadReturnsAvailableBytes(t *testing.T) {
	tr, inW, _ := newPipeTransport(t)

	if _, err := inW.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	got, err := tr.Read(3, 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(got) != "hel" {
		t.Fatalf("Read() = %q, want %q", got, "hel")
	}
	got, err = tr.Read(16, time.Second)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(got) != "lo" {
		t.Fatalf("Read() = %q, want %q", got, "lo")
	}
}

func TestFdTransportEOFIsClosed(t *testing.T) {
	tr, inW, _ := newPipeTransport(t)
	_ = inW.Close()

	got, err := tr.Read(16, time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Read() = %q, %v; want ErrClosed", got, err)
	}
	if _, err := tr.Read(16, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read() after EOF error = %v, want ErrClosed", err)
	}
}

func TestFdTransportWrite(t *testing.T) {
	tr, _, outR := newPipeTransport(t)

	n, err := tr.Write([]byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("Write() = %d, want 4", n)
	}
	buf := make([]byte, 4)
	if _, err := outR.Read(buf); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("peer read %q", buf)
	}
}

func TestFdTransportWriteFullPipePartial(t *testing.T) {
	tr, _, _ := newPipeTransport(t)

	// Nobody drains the pipe, so a large write can only partially succeed.
	big := make([]byte, 4<<20)
	n, err := tr.Write(big, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if n <= 0 || n >= len(big) {
		t.Fatalf("Write() = %d, want a partial count", n)
	}

	// The pipe is now full: a further write makes no progress.
	if _, err := tr.Write([]byte("x"), 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Write() on full pipe error = %v, want ErrTimeout", err)
	}
}

func TestFdTransportCloseIdempotent(t *testing.T) {
	tr, _, _ := newPipeTransport(t)
	calls := 0
	tr.OnClose(func() { calls++ })

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("OnClose ran %d times, want 1", calls)
	}
	if _, err := tr.Write([]byte("x"), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestFdTransportCloseWakesBlockedCalls(t *testing.T) {
	for _, timeout := range []time.Duration{NoTimeout, 3 * time.Second} {
		tr, _, _ := newPipeTransport(t)

		errc := make(chan error, 1)
		go func() {
			_, err := tr.Read(16, timeout)
			errc <- err
		}()
		time.Sleep(50 * time.Millisecond)
		if err := tr.Close(); err != nil {
			t.Fatalf("Close() failed: %v", err)
		}

		select {
		case err := <-errc:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("Read(%v) after Close error = %v, want ErrClosed", timeout, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Read(%v) still blocked 1s after Close", timeout)
		}
	}
}

func TestFdTransportCloseWakesBlockedWrite(t *testing.T) {
	tr, _, _ := newPipeTransport(t)

	// Fill the pipe so the next write has to wait.
	if _, err := tr.Write(make([]byte, 4<<20), 20*time.Millisecond); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := tr.Write([]byte("x"), NoTimeout)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = tr.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Write() after Close error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write() still blocked 1s after Close")
	}
}

func TestFdTransportHugeReadIsCapped(t *testing.T) {
	tr, inW, _ := newPipeTransport(t)

	if _, err := inW.Write([]byte("ok")); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	got, err := tr.Read(1<<42, time.Second)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("Read() = %q, want %q", got, "ok")
	}
	if cap(got) > MaxReadChunk {
		t.Fatalf("Read() allocated %d bytes, want at most %d", cap(got), MaxReadChunk)
	}
}

func TestDeadlineRemainingNeverNegative(t *testing.T) {
	d := DeadlineAt(time.Now().Add(-time.Second))
	if rem := d.Remaining(); rem != 0 {
		t.Fatalf("Remaining() = %v, want 0", rem)
	}
	if !d.Expired() {
		t.Fatal("Expired() = false for past deadline")
	}
	if got := d.pollMillis(); got != 0 {
		t.Fatalf("pollMillis() = %d, want 0", got)
	}

	none := DeadlineAfter(NoTimeout)
	if none.IsSet() || none.Remaining() != NoTimeout || none.pollMillis() != -1 {
		t.Fatalf("unset deadline = %+v", none)
	}

	soon := DeadlineAt(time.Now().Add(1500 * time.Microsecond))
	if got := soon.pollMillis(); got < 1 || got > 2 {
		t.Fatalf("pollMillis() = %d, want 1 or 2", got)
	}
}

func TestTimeoutSecondsConversion(t *testing.T) {
	if FromSeconds(nil) != NoTimeout {
		t.Fatal("FromSeconds(nil) != NoTimeout")
	}
	half := 0.5
	if got := FromSeconds(&half); got != 500*time.Millisecond {
		t.Fatalf("FromSeconds(0.5) = %v", got)
	}
	zero := 0.0
	if got := FromSeconds(&zero); got != 0 {
		t.Fatalf("FromSeconds(0) = %v", got)
	}
	for _, sec := range []float64{1e12, math.Inf(1), math.NaN()} {
		if got := FromSeconds(&sec); got != time.Duration(math.MaxInt64) {
			t.Fatalf("FromSeconds(%v) = %v, want saturation", sec, got)
		}
	}
	if ToSeconds(NoTimeout) != nil {
		t.Fatal("ToSeconds(NoTimeout) != nil")
	}
	if got := ToSeconds(2 * time.Second); got == nil || *got != 2 {
		t.Fatalf("ToSeconds(2s) = %v", got)
	}
}

func TestTimeoutsValidate(t *testing.T) {
	if err := (Timeouts{}).Validate(); err != nil {
		t.Fatalf("Validate() zero failed: %v", err)
	}
	if err := (Timeouts{SessionStartTimeoutSec: -1}).Validate(); !errors.Is(err, ErrInvalidTimeouts) {
		t.Fatalf("Validate() = %v, want ErrInvalidTimeouts", err)
	}
}
