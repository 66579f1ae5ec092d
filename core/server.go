package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xRadioAc7iv/go-hamtkv/internal/protocol"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/server"
)

const DefaultSyncInterval = 15 * time.Second

// Server exposes a Store over the length-prefixed TCP protocol. Every
// command runs under one mutex, so the store sees a single caller.
type Server struct {
	store        *Store
	log          *zap.SugaredLogger
	syncInterval time.Duration

	mu sync.Mutex
}

func NewServer(store *Store, log *zap.Logger, syncInterval time.Duration) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, log: log.Sugar(), syncInterval: syncInterval}
}

// Serve accepts connections on port until ctx is cancelled. ready, if not
// nil, receives the bound address. Writes are synced every syncInterval.
func (s *Server) Serve(ctx context.Context, port int, ready func(net.Addr)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.syncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.syncDiskInterval(ctx)
		}()
	}
	err := server.Start(ctx, port, s.commandHandler, s.log, ready)
	cancel()
	wg.Wait()
	return err
}

func (s *Server) syncDiskInterval(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			err := s.store.Sync()
			s.mu.Unlock()

			if err != nil && !errors.Is(err, ErrNotReady) {
				s.log.Warnf("Error syncing active segment: %v", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) commandHandler(conn net.Conn) {
	defer conn.Close()

	for {
		command, err := protocol.DecodeCommand(conn)
		if err != nil {
			s.log.Debugf("client %s disconnected", conn.RemoteAddr())
			return
		}

		s.reply(conn, s.handleCommand(command))
	}
}

func (s *Server) handleCommand(command *protocol.Command) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch strings.ToLower(command.Cmd) {
	case "ping":
		return "PONG!"
	case "set":
		return s.handleCommandSET(command.Key, command.Val)
	case "get":
		return s.handleCommandGET(command.Key)
	case "delete":
		return s.handleCommandDelete(command.Key)
	case "exists":
		return s.handleCommandExists(command.Key)
	case "count":
		return strconv.Itoa(s.store.Count())
	case "ratio":
		return strconv.FormatFloat(s.store.Ratio(), 'f', 3, 64)
	case "gc":
		return s.handleCommandGC(command.Key)
	case "sync":
		return s.handleCommandSync()
	case "help":
		return strings.TrimSpace(helpString)
	default:
		return "Invalid Command"
	}
}

func (s *Server) handleCommandGET(key string) string {
	value, err := s.store.Get([]byte(key))
	if errors.Is(err, ErrNotFound) {
		return "nil"
	}
	if err != nil {
		s.log.Errorf("get %q: %v", key, err)
		return "Error while reading value"
	}
	return string(value)
}

func (s *Server) handleCommandSET(key, value string) string {
	if err := s.store.Set([]byte(key), []byte(value), false); err != nil {
		s.log.Errorf("set %q: %v", key, err)
		return "Error while setting value"
	}
	return "ok"
}

func (s *Server) handleCommandDelete(key string) string {
	if err := s.store.Delete([]byte(key), false); err != nil {
		s.log.Errorf("delete %q: %v", key, err)
		return "Error while deleting value"
	}
	return "ok"
}

func (s *Server) handleCommandExists(key string) string {
	ok, err := s.store.Exists([]byte(key))
	if err != nil {
		s.log.Errorf("exists %q: %v", key, err)
		return "Error while reading value"
	}
	return strconv.FormatBool(ok)
}

func (s *Server) handleCommandGC(arg string) string {
	budget, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || budget == 0 {
		return "Invalid Command: gc <bytes>"
	}
	written, err := s.store.Roll(budget)
	if err != nil {
		s.log.Errorf("gc: %v", err)
		return "Error while collecting garbage"
	}
	return strconv.FormatUint(written, 10)
}

func (s *Server) handleCommandSync() string {
	if err := s.store.Sync(); err != nil {
		s.log.Errorf("sync: %v", err)
		return "Error while syncing"
	}
	return "ok"
}

func (s *Server) reply(conn net.Conn, msg string) {
	encodedResponse, err := protocol.EncodeResponse(msg)
	if err != nil {
		s.log.Errorf("Error encoding response: %v", err)
		return
	}

	if _, err := conn.Write(encodedResponse); err != nil {
		s.log.Debugf("client %s disconnected", conn.RemoteAddr())
	}
}

var helpString = fmt.Sprintf(`
Available Commands:

PING
  Check if the server is alive.
  Response: PONG!

SET <key> <value>
  Store a value for the given key.
  Overwrites the value if the key already exists.
  Response: ok

GET <key>
  Retrieve the value associated with the key.
  Response: value | nil

DELETE <key>
  Delete the key and its value.
  Response: ok

EXISTS <key>
  Check if a key exists.
  Response: true | false

COUNT
  Return the total number of keys stored.
  Response: integer

RATIO
  Committed disk space over space used by live records.
  Response: float

GC <bytes>
  Rewrite up to <bytes> of live records from the oldest segment.
  Response: bytes written

SYNC
  Flush the active segment to disk (also done every %v).
  Response: ok

HELP (cli only)
  Show this help message.

EXIT (cli only)
  Close the client connection.
`, DefaultSyncInterval)
