// isopod-worker runs inside a sandbox container. In server mode (the
// default, used as the container entrypoint) it listens on a unix socket
// and evaluates calls. With --client it forwards one JSON request over the
// socket and prints the response line; the host drives it through a
// one-shot exec.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/portofcontext/isopod/protocol"
)

func main() {
	clientReq := flag.String("client", "", "forward one JSON request over the worker socket and print the response")
	socketPath := flag.String("socket", protocol.WorkerSocketPath, "unix socket path")
	flag.Parse()

	if *clientReq != "" {
		if err := runClient(*socketPath, *clientReq); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := newServer(*socketPath, os.Getenv("ISOPOD_GOPATH"), logger)
	if err := srv.run(); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func runClient(socketPath, reqJSON string) error {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial worker socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(append([]byte(reqJSON), '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxPayloadBytes+4096)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return errors.New("connection closed without a response")
	}

	os.Stdout.Write(scanner.Bytes())
	os.Stdout.Write([]byte{'\n'})
	return nil
}
