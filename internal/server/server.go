// Package server accepts AudioSocket connections and runs a captioning
// session for each call.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/charmbracelet/log"

	"github.com/amanullahtanweer/audiosocket-captioner/internal/audio"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/session"
	"github.com/amanullahtanweer/audiosocket-captioner/internal/sink"
)

// frameBacklog bounds how many decoded frames may wait for a slow backend
// before the socket reader blocks.
const frameBacklog = 256

type Config struct {
	Host string
	Port int
	// SampleRate is the rate of the signed linear audio sent by the peer.
	SampleRate int
	OutputDir  string
	SaveAudio  bool
}

type Server struct {
	config   Config
	factory  *session.Factory
	logger   *log.Logger
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// frame is one unit of work for a session: either audio at the processing
// rate or a transcript marker.
type frame struct {
	samples []float32
	marker  string
}

func New(config Config, factory *session.Factory, logger *log.Logger) (*Server, error) {
	if factory == nil || factory.Dial == nil {
		return nil, fmt.Errorf("session factory with a backend dialer is required")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid socket sample rate %d", config.SampleRate)
	}
	if config.SaveAudio && config.OutputDir != "" {
		if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		config:   config,
		factory:  factory,
		logger:   logger,
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("AudioSocket server listening",
		"addr", l.Addr().String(),
		"socket_rate", s.config.SampleRate,
		"backend", s.factory.BackendName,
	)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("Accept error", "err", err)
			continue
		}

		s.track(conn, true)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all open calls, then waits for their
// sessions to flush.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.track(conn, false)
	defer conn.Close()

	remote := "pipe"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.logger.Debug("New connection", "remote", remote)

	id, err := audiosocket.GetID(conn)
	if err != nil {
		s.logger.Error("Failed to get ID", "remote", remote, "err", err)
		return
	}

	ctx := context.Background()
	info := sink.SessionInfo{
		ID:         id,
		Source:     remote,
		SampleRate: s.config.SampleRate,
		StartedAt:  time.Now(),
	}
	sess, err := s.factory.Open(ctx, info)
	if err != nil {
		s.logger.Error("Failed to start session", "session", id, "err", err)
		return
	}
	logger := s.logger.With("session", id.String()[:8])

	frames := make(chan frame, frameBacklog)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range frames {
			if f.marker != "" {
				sess.Marker(f.marker)
				continue
			}
			sess.Push(ctx, f.samples)
		}
	}()

	var raw []byte
	reason := s.readMessages(conn, logger, frames, &raw)
	close(frames)
	<-done

	sess.Close(ctx, reason)
	s.saveAudio(logger, info, raw)

	logger.Info("Call ended", "reason", reason, "duration", time.Since(info.StartedAt).Round(time.Millisecond))
}

// readMessages decodes AudioSocket messages until the call ends and
// returns why it ended.
func (s *Server) readMessages(conn net.Conn, logger *log.Logger, frames chan<- frame, raw *[]byte) string {
	rate := s.factory.Gate.SampleRate
	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			select {
			case <-s.shutdown:
				return "shutdown"
			default:
			}
			if isEOF(err) {
				return "eof"
			}
			logger.Error("Failed to read message", "err", err)
			return "error"
		}

		switch msg.Kind() {
		case audiosocket.KindSlin:
			payload := msg.Payload()
			if len(payload) == 0 {
				continue
			}
			if s.config.SaveAudio {
				*raw = append(*raw, payload...)
			}
			frames <- frame{samples: audio.Resample(audio.DecodeSlin(payload), s.config.SampleRate, rate)}

		case audiosocket.KindDTMF:
			if payload := msg.Payload(); len(payload) > 0 {
				logger.Info("DTMF", "digit", string(payload[0]))
				frames <- frame{marker: fmt.Sprintf("[DTMF: %c]", payload[0])}
			}

		case audiosocket.KindSilence:
			logger.Debug("Peer reported silence")

		case audiosocket.KindError:
			logger.Error("Peer reported error", "code", msg.ErrorCode())
			return "error"

		case audiosocket.KindHangup:
			logger.Info("Received hangup")
			return "hangup"
		}
	}
}

func (s *Server) saveAudio(logger *log.Logger, info sink.SessionInfo, raw []byte) {
	if !s.config.SaveAudio || len(raw) == 0 {
		return
	}

	filename := filepath.Join(
		s.config.OutputDir,
		fmt.Sprintf("%s_%s.raw", info.StartedAt.Format("20060102_150405"), info.ID.String()[:8]),
	)
	if err := os.WriteFile(filename, raw, 0644); err != nil {
		logger.Error("Failed to save audio", "err", err)
		return
	}
	logger.Info("Audio saved",
		"file", filename,
		"seconds", fmt.Sprintf("%.2f", float64(len(raw))/float64(s.config.SampleRate*2)),
	)
}

// isEOF reports whether err ends in io.EOF. The audiosocket reader wraps
// read errors with github.com/pkg/errors, which older releases expose only
// through Cause.
func isEOF(err error) bool {
	for err != nil {
		if err == io.EOF {
			return true
		}
		switch e := err.(type) {
		case interface{ Unwrap() error }:
			err = e.Unwrap()
		case interface{ Cause() error }:
			err = e.Cause()
		default:
			return false
		}
	}
	return false
}
