package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// outboxSize is the number of frames buffered per connection.
const outboxSize = 64

// Server exposes a [hal.RegisterSpace] to remote clients.
//
// Each connection's requests are applied in arrival order, so a client's
// writes are never reordered relative to its reads. Interrupts passed to
// Raise are pushed to every connected client.
type Server struct {
	regs    hal.RegisterSpace
	dropped *pkg.Throttle

	mu    sync.Mutex
	conns map[*serverConn]struct{}
}

type serverConn struct {
	conn net.Conn
	out  chan frame
}

// NewServer creates a server for regs. The caller keeps ownership of regs.
func NewServer(regs hal.RegisterSpace) *Server {
	return &Server{
		regs:    regs,
		dropped: pkg.NewThrottle(time.Second, 1),
		conns:   make(map[*serverConn]struct{}),
	}
}

// Serve accepts connections on l until ctx is cancelled or Accept fails.
// It closes l and waits for all connections to finish before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return l.Close()
	})

	var err error
	for {
		var conn net.Conn
		conn, err = l.Accept()
		if err != nil {
			break
		}
		pkg.LogInfo(pkg.ComponentHAL, "client connected", "remote", conn.RemoteAddr().String())
		g.Go(func() error {
			if err := s.ServeConn(ctx, conn); err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "connection failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return nil
		})
	}

	stopped := ctx.Err() != nil
	cancel()
	g.Wait()
	if stopped {
		return nil
	}
	return fmt.Errorf("accept: %w", err)
}

// ServeConn serves one connection until the peer disconnects or ctx is
// cancelled. It closes conn before returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	sc := &serverConn{conn: conn, out: make(chan frame, outboxSize)}
	s.add(sc)
	defer s.remove(sc)

	var g errgroup.Group
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case f := <-sc.out:
				if err := writeFrame(conn, f); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	err := s.readLoop(ctx, sc)
	cancel()
	if werr := g.Wait(); err == nil && !disconnected(werr) {
		err = werr
	}
	return err
}

// disconnected reports whether err is nil or only says the peer went away.
func disconnected(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

func (s *Server) readLoop(ctx context.Context, sc *serverConn) error {
	for {
		f, err := readFrame(sc.conn)
		if err != nil {
			if ctx.Err() != nil || disconnected(err) {
				return nil
			}
			return err
		}
		resp := s.handle(ctx, f)
		select {
		case sc.out <- resp:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle applies one request to the register space.
func (s *Server) handle(ctx context.Context, f frame) frame {
	switch f.typ {
	case msgRead:
		resp := frame{typ: msgReadResp, tag: f.tag}
		addr, n, err := decodeRead(f.payload)
		if err == nil {
			buf := make([]byte, n)
			if err = s.regs.ReadCtl(ctx, addr, buf); err == nil {
				resp.payload = buf
				return resp
			}
		}
		return failed(resp, err)

	case msgWrite:
		resp := frame{typ: msgWriteResp, tag: f.tag}
		addr, data, err := decodeWrite(f.payload)
		if err == nil {
			err = s.regs.WriteCtl(ctx, addr, data)
		}
		if err != nil {
			return failed(resp, err)
		}
		return resp

	default:
		return failed(frame{typ: f.typ | 0x80, tag: f.tag},
			fmt.Errorf("%v: %w", f.typ, pkg.ErrInvalidCommand))
	}
}

func failed(f frame, err error) frame {
	f.status = pkg.StatusFault
	if errors.Is(err, pkg.ErrInterrupted) {
		f.status = pkg.StatusCancelled
	}
	f.payload = []byte(err.Error())
	return f
}

// Raise pushes an interrupt to every connected client. It never blocks; a
// client whose outbox is full misses the interrupt.
func (s *Server) Raise(source uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sc := range s.conns {
		select {
		case sc.out <- frame{typ: msgInterrupt, payload: encodeInterrupt(source)}:
		default:
			s.dropped.Warn(pkg.ComponentHAL, "interrupt dropped for slow client",
				"remote", sc.conn.RemoteAddr().String(), "source", source)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) add(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sc] = struct{}{}
}

func (s *Server) remove(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
}
