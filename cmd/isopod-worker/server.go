package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/portofcontext/isopod/protocol"
)

// server accepts one JSON-line request per connection, mirroring the
// one-shot client exec on the host side.
type server struct {
	socketPath string
	logger     *slog.Logger
	eval       *evaluator
}

func newServer(socketPath, gopath string, logger *slog.Logger) *server {
	return &server{
		socketPath: socketPath,
		logger:     logger,
		eval:       newEvaluator(gopath),
	}
}

func (s *server) run() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	// Readiness marker on stdout; the host confirms by pinging.
	json.NewEncoder(os.Stdout).Encode(protocol.ReadyMessage{Type: protocol.ResponseReady})
	s.logger.Info("worker listening", "socket", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxPayloadBytes+4096)
	if !scanner.Scan() {
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, protocol.Response{
			Type:       protocol.ResponseError,
			ErrMessage: "bad request: " + err.Error(),
		})
		return
	}

	writeResponse(conn, s.dispatch(req))
}

func (s *server) dispatch(req protocol.Request) protocol.Response {
	switch req.Type {
	case protocol.RequestPing:
		return protocol.Response{ID: req.ID, Type: protocol.ResponsePong}
	case protocol.RequestCall:
		return s.eval.call(req)
	default:
		return protocol.Response{
			ID:         req.ID,
			Type:       protocol.ResponseError,
			ErrMessage: "unknown request type " + string(req.Type),
		}
	}
}

func writeResponse(w io.Writer, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"type":"error","err_message":"response marshal failed"}`)
	}
	w.Write(append(data, '\n'))
}
