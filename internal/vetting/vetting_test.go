package vetting

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/frame"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/slave"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeAddrConn wraps a net.Conn and reports a fixed RemoteAddr, since
// net.Pipe conns report "pipe" with no host:port split to strip.
type fakeAddrConn struct {
	net.Conn
	remote net.Addr
}

func (c fakeAddrConn) RemoteAddr() net.Addr { return c.remote }

type stringAddr string

func (a stringAddr) Network() string { return "tcp" }
func (a stringAddr) String() string  { return string(a) }

func readFrame(t *testing.T, conn net.Conn) frame.Frame {
	t.Helper()
	hdr := make([]byte, frame.HeaderLen)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Fatalf("read header: %v", err)
	}
	f, err := frame.ParseHeader(hdr)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if len(f.Payload) > 0 {
		if _, err := io.ReadFull(conn, f.Payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return f
}

func TestRunSuccess(t *testing.T) {
	broker, remote := net.Pipe()
	defer broker.Close()
	defer remote.Close()

	s := slave.New(1, broker)
	defer s.Close()

	go func() {
		f := readFrame(t, remote)
		if f.Command != frame.CmdVersionCheck {
			return
		}
		remote.Write(frame.EncodeCommand(0, frame.CmdVersionCheck, []byte("1.0.9")))

		f = readFrame(t, remote)
		if f.Command != frame.CmdLocationCheck {
			return
		}
		remote.Write(frame.EncodeCommand(0, frame.CmdLocationCheck, []byte(`{"data":{"country":"US"}}`)))

		f = readFrame(t, remote)
		if f.Command != frame.CmdSpeedCheck {
			return
		}
		remote.Write(frame.EncodeCommand(0, frame.CmdSpeedCheck, []byte("125.4")))
	}()

	done := make(chan error, 1)
	go func() { done <- Run(s, []string{"US", "CA"}, discardLog()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	if s.Version() != "1.0.9" {
		t.Errorf("Version = %q", s.Version())
	}
	if s.Location() != "US" {
		t.Errorf("Location = %q", s.Location())
	}
	if s.Speed() != 125.4 {
		t.Errorf("Speed = %v", s.Speed())
	}
}

func TestRunRejectsUnknownVersion(t *testing.T) {
	broker, remote := net.Pipe()
	defer broker.Close()
	defer remote.Close()

	s := slave.New(1, broker)
	defer s.Close()

	go func() {
		readFrame(t, remote)
		remote.Write(frame.EncodeCommand(0, frame.CmdVersionCheck, []byte("9.9.9")))
	}()

	err := Run(s, nil, discardLog())
	if err == nil {
		t.Fatal("expected rejection for unknown version")
	}
	if _, ok := err.(*Rejection); !ok {
		t.Fatalf("err type = %T, want *Rejection", err)
	}
}

func TestRunRejectsDisallowedLocation(t *testing.T) {
	broker, remote := net.Pipe()
	defer broker.Close()
	defer remote.Close()

	s := slave.New(1, broker)
	defer s.Close()

	go func() {
		readFrame(t, remote)
		remote.Write(frame.EncodeCommand(0, frame.CmdVersionCheck, []byte("1.0.9")))

		readFrame(t, remote)
		remote.Write(frame.EncodeCommand(0, frame.CmdLocationCheck, []byte(`{"data":{"country":"RU"}}`)))
	}()

	err := Run(s, []string{"US", "CA"}, discardLog())
	if err == nil {
		t.Fatal("expected rejection for disallowed location")
	}
}

func TestLocationCheckSendsBareIPURL(t *testing.T) {
	broker, remote := net.Pipe()
	defer broker.Close()
	defer remote.Close()

	wrapped := fakeAddrConn{Conn: broker, remote: stringAddr("203.0.113.5:54231")}
	s := slave.New(1, wrapped)
	defer s.Close()

	urlCh := make(chan string, 1)
	go func() {
		f := readFrame(t, remote)
		urlCh <- string(f.Payload)
		remote.Write(frame.EncodeCommand(0, frame.CmdLocationCheck, []byte(`{"data":{"country":"US"}}`)))
	}()

	if err := locationCheck(s, nil, discardLog()); err != nil {
		t.Fatalf("locationCheck: %v", err)
	}

	const want = "https://ipinfo.io/widget/demo/203.0.113.5"
	select {
	case got := <-urlCh:
		if got != want {
			t.Fatalf("location check URL = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for location check request")
	}
}

func TestRunTimesOutWithoutReply(t *testing.T) {
	broker, remote := net.Pipe()
	defer broker.Close()
	defer remote.Close()

	s := slave.New(1, broker)
	defer s.Close()

	orig := RequestTimeout
	RequestTimeout = 20 * time.Millisecond
	defer func() { RequestTimeout = orig }()

	go func() {
		// Read the version check but never reply.
		readFrame(t, remote)
	}()

	err := Run(s, nil, discardLog())
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
