package rpc

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc handles a single request. The context is cancelled when the
// client disconnects or the server stops, so long-poll handlers must not
// leave state behind on ctx.Done().
type HandlerFunc func(ctx context.Context, req *Request) *Response

type Server struct {
	socketPath   string
	listener     net.Listener
	handlers     map[string]HandlerFunc
	mu           sync.RWMutex
	readTimeout  time.Duration
	writeTimeout time.Duration
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:   socketPath,
		handlers:     make(map[string]HandlerFunc),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (s *Server) SetReadTimeout(d time.Duration)  { s.readTimeout = d }
func (s *Server) SetWriteTimeout(d time.Duration) { s.writeTimeout = d }

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	// Remove stale socket file
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Socket file must not be reachable by other users
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in handleConn: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		log.Printf("read request error: %v", err)
		return
	}

	// The protocol is one request per connection: after the request frame the
	// client sends nothing more, so a returning read means the peer is gone.
	// This cancels long-poll handlers for disconnected callers.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		one := make([]byte, 1)
		_, _ = conn.Read(one)
		cancel()
	}()

	resp := s.processRequest(ctx, &req)

	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := WriteFrame(conn, resp); err != nil {
		log.Printf("write response error: %v", err)
	}
}

func (s *Server) processRequest(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	return handler(ctx, req)
}
