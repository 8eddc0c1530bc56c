// Package socks5 implements the broker-facing half of RFC 1928: method
// negotiation (NO AUTH only) and the CONNECT request. Unlike a plain
// SOCKS5 proxy it never dials the destination itself — instead it asks
// the proxy manager to open a multiplexed session on a chosen slave and
// pumps client bytes into that session as Data frames.
package socks5

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nullroute-broker/reverse-socks5-broker/internal/frame"
	"github.com/nullroute-broker/reverse-socks5-broker/internal/manager"
)

// SOCKS5 protocol constants, RFC 1928.
const (
	version = 0x05

	authNone         = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyNetworkUnreachable  = 0x03
	replyCommandNotSupported = 0x07
	replyAddrNotSupported    = 0x08
)

// HandshakeTimeout bounds the method-negotiation and request read, the
// same way the rest of the broker bounds vetting round trips.
var HandshakeTimeout = 10 * time.Second

// Front accepts local SOCKS5 clients and hands completed CONNECT requests
// to a Manager.
type Front struct {
	mgr *manager.Manager
	log *logrus.Entry
}

// New builds a Front bound to mgr.
func New(mgr *manager.Manager, log *logrus.Entry) *Front {
	return &Front{mgr: mgr, log: log}
}

// Serve accepts on ln until it is closed, then returns nil. Any other
// accept error is logged and accepting continues.
func (f *Front) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			f.log.WithError(err).Warn("socks5 accept error")
			continue
		}
		go f.handle(conn)
	}
}

// handle runs the handshake and, on success, the client->slave pump.
func (f *Front) handle(client net.Conn) {
	defer client.Close()
	client.SetDeadline(time.Now().Add(HandshakeTimeout))

	if err := negotiateAuth(client); err != nil {
		f.log.WithError(err).Debug("socks5 auth negotiation failed")
		return
	}

	target, err := readRequest(client)
	if err != nil {
		f.log.WithError(err).Debug("socks5 request parse failed")
		return
	}

	clientKey := manager.ClientKey(client.RemoteAddr(), hostOnly(target))

	sessionID, err := f.mgr.OpenSession(clientKey, target, client, client)
	if err != nil {
		sendReply(client, replyNetworkUnreachable, nil, 0)
		f.log.WithError(err).WithField("target", target).Debug("socks5 connect refused, no live slave")
		return
	}

	sendReply(client, replySucceeded, net.IPv4zero, 0)
	client.SetDeadline(time.Time{})

	f.pump(client, sessionID)
}

// pump reads client bytes and forwards each chunk as a Data frame on
// sessionID until the client closes or a write to the slave fails; it
// always cleans up the session table entry on the way out.
func (f *Front) pump(client net.Conn, sessionID uint32) {
	defer f.mgr.CloseSession(sessionID)

	pool := f.mgr.Pool()
	buf := pool.Acquire(sessionID)
	defer pool.Release(sessionID, buf)
	buf = buf[:frame.MaxPayload]

	for {
		n, err := client.Read(buf)
		if n > 0 {
			if werr := f.mgr.WriteClientChunk(sessionID, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func negotiateAuth(client net.Conn) error {
	var hdr [2]byte
	if _, err := io.ReadFull(client, hdr[:]); err != nil {
		return err
	}
	if hdr[0] != version {
		return errors.New("socks5: bad version in method negotiation")
	}

	nmethods := int(hdr[1])
	if nmethods == 0 {
		return errors.New("socks5: zero methods offered")
	}

	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(client, methods); err != nil {
		return err
	}

	hasNoAuth := false
	for _, m := range methods {
		if m == authNone {
			hasNoAuth = true
			break
		}
	}
	if !hasNoAuth {
		client.Write([]byte{version, authNoAcceptable})
		return errors.New("socks5: client did not offer NO AUTH")
	}

	_, err := client.Write([]byte{version, authNone})
	return err
}

func readRequest(client net.Conn) (string, error) {
	var reqHdr [4]byte
	if _, err := io.ReadFull(client, reqHdr[:]); err != nil {
		return "", err
	}
	if reqHdr[0] != version {
		return "", errors.New("socks5: bad version in request")
	}
	if reqHdr[1] != cmdConnect {
		sendReply(client, replyCommandNotSupported, nil, 0)
		return "", errors.New("socks5: only CONNECT is supported")
	}

	var destAddr string
	switch reqHdr[3] {
	case atypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(client, addr[:]); err != nil {
			return "", err
		}
		destAddr = net.IP(addr[:]).String()

	case atypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(client, lenBuf[:]); err != nil {
			return "", err
		}
		if lenBuf[0] == 0 {
			sendReply(client, replyGeneralFailure, nil, 0)
			return "", errors.New("socks5: zero-length domain")
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(client, domain); err != nil {
			return "", err
		}
		destAddr = string(domain)

	case atypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(client, addr[:]); err != nil {
			return "", err
		}
		destAddr = net.IP(addr[:]).String()

	default:
		sendReply(client, replyAddrNotSupported, nil, 0)
		return "", errors.New("socks5: unsupported address type")
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(client, portBuf[:]); err != nil {
		return "", err
	}
	destPort := binary.BigEndian.Uint16(portBuf[:])

	return net.JoinHostPort(destAddr, strconv.Itoa(int(destPort))), nil
}

// sendReply writes a SOCKS5 reply. bindIP/bindPort describe the "bound
// address"; since the broker never binds a local socket for the relay (the
// slave does the actual dial), 0.0.0.0:0 is reported on success.
func sendReply(conn net.Conn, rep byte, bindIP net.IP, bindPort uint16) {
	var buf [22]byte
	buf[0] = version
	buf[1] = rep
	buf[2] = 0x00

	n := 4
	if bindIP != nil {
		if v4 := bindIP.To4(); v4 != nil {
			buf[3] = atypIPv4
			copy(buf[4:8], v4)
			n = 8
		} else {
			buf[3] = atypIPv6
			copy(buf[4:20], bindIP.To16())
			n = 20
		}
	} else {
		buf[3] = atypIPv4
		n = 8
	}
	binary.BigEndian.PutUint16(buf[n:n+2], bindPort)
	n += 2

	conn.Write(buf[:n])
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
