// Package server owns the UDP socket: it receives datagrams, hands each one
// to a worker for decode, state machine, and encode, and sends the replies
// the engine addresses. Protocol decisions all live in the engine; this
// package only moves bytes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/hearth/internal/dhcp"
	"github.com/jbweber/homelab/hearth/internal/engine"
)

const (
	maxDatagramSize = 1500
	defaultWorkers  = 8
	queueDepth      = 64
)

type datagram struct {
	payload []byte
	from    *net.UDPAddr
}

// Server is the UDP transport for the DHCP engine.
type Server struct {
	engine  *engine.Engine
	log     *slog.Logger
	addr    string
	workers int
}

// New creates a transport bound to addr (host:port) once Run is called.
func New(addr string, eng *engine.Engine, log *slog.Logger) *Server {
	return &Server{
		engine:  eng,
		log:     log,
		addr:    addr,
		workers: defaultWorkers,
	}
}

// Run listens until the context is canceled. One goroutine receives;
// a fixed worker pool processes datagrams independently, so one slow or
// malformed client never blocks another's transaction.
func (s *Server) Run(ctx context.Context) error {
	conn, err := listenBroadcastUDP(ctx, s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	defer conn.Close()

	s.log.Info("listening for DHCP requests", "addr", s.addr)

	return s.serve(ctx, conn)
}

// serve runs the receive loop and worker pool over an already-bound socket.
// A read failure while the parent context is still live is returned as an
// error, so the caller can tell a dead listener from a requested shutdown.
func (s *Server) serve(ctx context.Context, conn *net.UDPConn) error {
	queue := make(chan datagram, queueDepth)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for dg := range queue {
				s.handle(gctx, conn, dg)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the reader; its error is then treated as shutdown.
		return conn.Close()
	})

	g.Go(func() error {
		defer close(queue)
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read failed: %w", err)
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])

			select {
			case queue <- datagram{payload: payload, from: from}:
			default:
				// Queue full: drop, the client retransmits.
				s.log.Warn("receive queue full, dropping datagram", "from", from.String())
			}
		}
	})

	err := g.Wait()
	// The derived context cancels on any goroutine error, so only the
	// parent distinguishes shutdown from failure.
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// handle processes one datagram end to end.
func (s *Server) handle(ctx context.Context, conn *net.UDPConn, dg datagram) {
	msg, err := dhcp.Decode(dg.payload)
	if err != nil {
		// Malformed input is routine on a broadcast port; drop and move on.
		s.log.Debug("dropping malformed packet", "from", dg.from.String(), "error", err)
		return
	}

	resp, err := s.engine.HandleMessage(ctx, msg)
	if err != nil {
		s.log.Error("failed to handle message", "from", dg.from.String(), "error", err)
		return
	}
	if resp == nil {
		return
	}

	payload, err := dhcp.Encode(resp.Message)
	if err != nil {
		s.log.Error("failed to encode reply", "error", err)
		return
	}

	if _, err := conn.WriteToUDP(payload, resp.Addr.UDPAddr()); err != nil {
		s.log.Error("failed to send reply", "to", resp.Addr.UDPAddr().String(), "error", err)
	}
}

// listenBroadcastUDP binds a UDP socket with SO_BROADCAST set, since most
// replies go to 255.255.255.255.
func listenBroadcastUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setBroadcast(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected connection type %T", pc)
	}
	return conn, nil
}
