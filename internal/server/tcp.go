package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"go.uber.org/zap"
)

// Starts the TCP Server. When port is taken the next free one is used;
// ready, if not nil, receives the address actually bound.
func Start(ctx context.Context, port int, handler func(conn net.Conn), log *zap.SugaredLogger, ready func(addr net.Addr)) error {
	var ln net.Listener
	var err error

	// Look for an open port (default is 6969)
	for {
		addr := fmt.Sprintf(":%d", port)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				log.Warnf("port %d is in use, trying %d", port, port+1)
				port++
				continue
			}
			return err
		}
		break
	}

	log.Infof("Server listening on %s", ln.Addr())
	if ready != nil {
		ready(ln.Addr())
	}

	// When ctx is cancelled, close listener
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// Accept Loop
	for {
		conn, err := ln.Accept()
		if err != nil {
			// When ln.Close() is called, Accept() returns an error.
			// This is how we break out of the loop cleanly.
			select {
			case <-ctx.Done():
				return nil // graceful shutdown
			default:
				log.Warnf("Error accepting connection: %v", err)
				continue
			}
		}

		go handler(conn)
	}
}
