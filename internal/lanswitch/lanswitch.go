// Package lanswitch implements the single-process learning bridge that
// forwards raw Ethernet frames between VMs sharing QEMU's -netdev dgram
// backend. Each peer is a localhost UDP endpoint; the switch itself is just
// another UDP socket ("the hub") that every peer's dgram netdev sends to and
// receives from.
package lanswitch

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readTimeout  = 200 * time.Millisecond
	recvBufSize  = 4 * 1024 * 1024
	sendBufSize  = 4 * 1024 * 1024
	frameBufSize = 2048
	minFrameLen  = 14 // two 6-byte MAC addresses plus a 2-byte ethertype
)

type macAddr [6]byte

// Switch is a running LAN switch. Stop shuts it down; it is safe to call
// more than once.
type Switch struct {
	conn   *net.UDPConn
	log    *slog.Logger
	stop   chan struct{}
	stopOK sync.Once
	done   chan struct{}
}

// Spawn binds a UDP hub socket on loopback at hubPort and starts forwarding
// frames between peers. The returned Switch owns the socket and background
// goroutine until Stop is called.
func Spawn(hubPort uint16, peers []*net.UDPAddr, log *slog.Logger) (*Switch, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(hubPort)})
	if err != nil {
		return nil, err
	}

	if rawConn, err := conn.SyscallConn(); err == nil {
		_ = rawConn.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufSize); err != nil {
				log.Warn("failed to increase LAN hub recv buffer", "error", err)
			}
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufSize); err != nil {
				log.Warn("failed to increase LAN hub send buffer", "error", err)
			}
		})
	}

	s := &Switch{
		conn: conn,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go s.run(peers)
	return s, nil
}

// Stop halts the switch and waits for its goroutine to exit.
func (s *Switch) Stop() {
	s.stopOK.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Switch) run(peers []*net.UDPAddr) {
	defer close(s.done)
	defer s.conn.Close()

	macTable := make(map[macAddr]*net.UDPAddr)
	buf := make([]byte, frameBufSize)

	s.log.Info("LAN switch started", "hub", s.conn.LocalAddr().String(), "peers", len(peers))

	for {
		select {
		case <-s.stop:
			s.log.Info("LAN switch stopped")
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			s.log.Warn("LAN switch recv error", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if n < minFrameLen {
			continue
		}
		frame := buf[:n]

		var dst, src macAddr
		copy(dst[:], frame[0:6])
		copy(src[:], frame[6:12])

		macTable[src] = from

		isBroadcast := dst == macAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
		isMulticast := dst[0]&0x01 == 0x01

		if isBroadcast || isMulticast {
			s.broadcast(frame, peers, from)
			continue
		}

		if target, ok := macTable[dst]; ok {
			if !udpAddrEqual(target, from) {
				_, _ = s.conn.WriteToUDP(frame, target)
			}
			continue
		}

		s.broadcast(frame, peers, from)
	}
}

func (s *Switch) broadcast(frame []byte, peers []*net.UDPAddr, from *net.UDPAddr) {
	for _, peer := range peers {
		if !udpAddrEqual(peer, from) {
			_, _ = s.conn.WriteToUDP(frame, peer)
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
