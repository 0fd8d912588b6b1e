package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 65536

// procNetCore holds the kernel socket buffer limits.
var procNetCore = "/proc/sys/net/core"

// openUDP listens on the URL's port. Query parameters: localaddr selects
// the interface by address, ifname by name, and buffer_size sets the
// socket receive buffer, which must not exceed the kernel's rmem_max.
func openUDP(ctx context.Context, u *url.URL, isRTP bool, log *slog.Logger) (*Input, error) {
	addr, err := net.ResolveUDPAddr("udp4", u.Host)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve %s: %w", u.Host, err)
	}
	q := u.Query()

	bufSize := 0
	if v := q.Get("buffer_size"); v != "" {
		bufSize, err = strconv.Atoi(v)
		if err != nil || bufSize < 0 {
			return nil, fmt.Errorf("ingest: invalid buffer_size %q", v)
		}
		if err := checkSocketBuffer(bufSize, procNetCore, log); err != nil {
			return nil, err
		}
	}

	intf, err := lookupInterface(q.Get("ifname"), q.Get("localaddr"))
	if err != nil {
		return nil, err
	}

	listen := addr.String()
	if !addr.IP.IsMulticast() {
		listen = ":" + strconv.Itoa(addr.Port)
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", listen)
	if err != nil {
		return nil, fmt.Errorf("ingest: listen %s: %w", listen, err)
	}
	conn := pc.(*net.UDPConn)

	if addr.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(intf, &net.UDPAddr{IP: addr.IP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ingest: join %s: %w", addr.IP, err)
		}
		log.Info("joined multicast group", "group", addr.IP, "interface", interfaceName(intf))
	}
	if bufSize > 0 {
		if err := conn.SetReadBuffer(bufSize); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ingest: set read buffer: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	proto := "udp"
	if isRTP {
		proto = "rtp"
	}
	log.Info("receiving", "protocol", proto, "addr", addr)
	return &Input{
		ReadCloser: &datagramReader{conn: conn, rtp: isRTP, buf: make([]byte, maxDatagram), log: log},
		URL:        u.String(),
		Protocol:   proto,
		Live:       true,
	}, nil
}

func lookupInterface(name, localAddr string) (*net.Interface, error) {
	if name != "" {
		intf, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("ingest: interface %s: %w", name, err)
		}
		return intf, nil
	}
	if localAddr == "" {
		return nil, nil
	}
	ip := net.ParseIP(localAddr)
	if ip == nil {
		return nil, fmt.Errorf("ingest: invalid localaddr %q", localAddr)
	}
	intfs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("ingest: list interfaces: %w", err)
	}
	for i := range intfs {
		addrs, err := intfs[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
				return &intfs[i], nil
			}
		}
	}
	return nil, fmt.Errorf("ingest: no interface has address %s", localAddr)
}

func interfaceName(intf *net.Interface) string {
	if intf == nil {
		return "default"
	}
	return intf.Name
}

// checkSocketBuffer logs the kernel receive buffer limits and fails when
// size exceeds rmem_max.
func checkSocketBuffer(size int, dir string, log *slog.Logger) error {
	def, err := readProcInt(filepath.Join(dir, "rmem_default"))
	if err == nil {
		log.Info("kernel socket buffer", "rmem_default", def)
	}
	limit, err := readProcInt(filepath.Join(dir, "rmem_max"))
	if err != nil {
		log.Debug("rmem_max unavailable", "error", err)
		return nil
	}
	log.Info("kernel socket buffer", "rmem_max", limit)
	if size > limit {
		return fmt.Errorf("ingest: buffer_size %d exceeds rmem_max %d", size, limit)
	}
	return nil
}

func readProcInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

// datagramReader presents received datagrams as a byte stream. RTP
// datagrams are reduced to their payload.
type datagramReader struct {
	conn    net.PacketConn
	rtp     bool
	buf     []byte
	pending []byte
	log     *slog.Logger

	rtpSeq     uint16
	rtpStarted bool
	rtpLost    int64
}

func (d *datagramReader) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		n, _, err := d.conn.ReadFrom(d.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("ingest: read: %w", err)
		}
		if !d.rtp {
			d.pending = d.buf[:n]
			continue
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(d.buf[:n]); err != nil {
			d.log.Debug("dropping malformed RTP datagram", "error", err)
			continue
		}
		d.trackSequence(pkt.SequenceNumber)
		d.pending = pkt.Payload
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *datagramReader) trackSequence(seq uint16) {
	if d.rtpStarted && seq != d.rtpSeq+1 {
		lost := int64(seq - d.rtpSeq - 1)
		d.rtpLost += lost
		d.log.Warn("RTP sequence gap", "expected", d.rtpSeq+1, "got", seq, "lost_total", d.rtpLost)
	}
	d.rtpSeq = seq
	d.rtpStarted = true
}

func (d *datagramReader) Close() error {
	err := d.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
