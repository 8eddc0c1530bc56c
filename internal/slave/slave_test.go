package slave

import (
	"net"
	"testing"
	"time"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/frame"
)

func pipePair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	s := New(1, a)
	defer s.Close()

	done := make(chan frame.Frame, 1)
	go func() {
		hdr := make([]byte, frame.HeaderLen)
		if _, err := readFull(b, hdr); err != nil {
			t.Errorf("read header: %v", err)
			return
		}
		f, err := frame.ParseHeader(hdr)
		if err != nil {
			t.Errorf("parse header: %v", err)
			return
		}
		if len(f.Payload) > 0 {
			if _, err := readFull(b, f.Payload); err != nil {
				t.Errorf("read payload: %v", err)
				return
			}
		}
		done <- f
	}()

	if err := s.WriteFrame(frame.EncodeData(7, []byte("hi"))); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case f := <-done:
		if f.Session != 7 || string(f.Payload) != "hi" {
			t.Fatalf("got frame %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	s := New(1, a)
	defer s.Close()

	before := s.LastSeen()
	time.Sleep(5 * time.Millisecond)
	s.Touch()
	if !s.LastSeen().After(before) {
		t.Fatalf("Touch did not advance last_seen")
	}
}

func TestAliveWithinTimeout(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	s := New(1, a)
	defer s.Close()

	now := time.Now()
	if !s.Alive(now, time.Minute) {
		t.Fatalf("expected slave to be alive immediately after creation")
	}
	if s.Alive(now.Add(time.Hour), time.Minute) {
		t.Fatalf("expected slave to be dead after exceeding timeout")
	}
}

func TestSessionTracking(t *testing.T) {
	a, b := pipePair()
	defer a.Close()
	defer b.Close()

	s := New(1, a)
	defer s.Close()

	s.AddSession(1)
	s.AddSession(2)
	if s.SessionCount() != 2 {
		t.Fatalf("session count = %d, want 2", s.SessionCount())
	}
	s.RemoveSession(1)
	if s.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", s.SessionCount())
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
