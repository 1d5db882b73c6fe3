package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned by Start when another daemon owns the pidfile.
var ErrAlreadyRunning = errors.New("daemon already running")

const writeTimeout = time.Second

// ClientInfo tracks one connection. Only subscribed clients receive pushes.
type ClientInfo struct {
	Conn       net.Conn
	Subscribed bool

	writeMu sync.Mutex
}

// Server accepts panel and hook connections on a unix socket.
type Server struct {
	socketPath string
	pidPath    string
	listener   net.Listener
	clients    map[string]*ClientInfo
	clientsMu  sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
	log        zerolog.Logger

	// OnRequest answers a request. A nil reply sends nothing back.
	OnRequest func(clientID string, msg Message) *Message

	// OnClientsChanged is called with the subscriber count after it changes.
	OnClientsChanged func(subscribers int)
}

// NewServer creates a server for a session using the /tmp runtime paths.
func NewServer(sessionID string, log zerolog.Logger) *Server {
	return NewServerAt(SocketPath(sessionID), PidPath(sessionID), log)
}

// NewServerAt creates a server on explicit paths.
func NewServerAt(socketPath, pidPath string, log zerolog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		pidPath:    pidPath,
		clients:    make(map[string]*ClientInfo),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "daemon").Logger(),
	}
}

// Start begins listening for client connections
func (s *Server) Start() error {
	// Check if another daemon is already running
	if err := s.checkAndClaimPid(); err != nil {
		return err
	}

	// Remove stale socket if exists (safe now that we own the pidfile)
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		os.Remove(s.pidPath) // Clean up pidfile on failure
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	go s.acceptLoop()

	return nil
}

// checkAndClaimPid checks for existing daemon and claims pidfile
func (s *Server) checkAndClaimPid() error {
	if data, err := os.ReadFile(s.pidPath); err == nil {
		pidStr := strings.TrimSpace(string(data))
		if pid, err := strconv.Atoi(pidStr); err == nil && pid > 0 && pid != os.Getpid() {
			if process, err := os.FindProcess(pid); err == nil {
				// On Unix, FindProcess always succeeds, so we need to send signal 0
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("%w with pid %d", ErrAlreadyRunning, pid)
				}
			}
		}
		// Stale pidfile, remove it
		os.Remove(s.pidPath)
	}

	pid := os.Getpid()
	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}

	return nil
}

// Stop shuts down the server. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.clientsMu.Lock()
		for id, client := range s.clients {
			client.Conn.Close()
			delete(s.clients, id)
		}
		s.clientsMu.Unlock()
		os.Remove(s.socketPath)
		os.Remove(s.pidPath)
	})
}

// Done is closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// SubscriberCount returns the number of subscribed clients
func (s *Server) SubscriberCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// GetSocketPath returns the socket path
func (s *Server) GetSocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Debug().Err(err).Msg("accept failed")
			continue
		}
		go s.handleClient(conn)
	}
}

// handleClient processes messages from one connection until it closes.
func (s *Server) handleClient(conn net.Conn) {
	client := &ClientInfo{Conn: conn}
	var clientID string

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("client handler crashed")
		}
		conn.Close()
		if clientID != "" {
			s.unregister(clientID, client)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed message")
			continue
		}

		switch msg.Type {
		case MsgSubscribe:
			clientID = msg.ClientID
			if clientID == "" {
				clientID = conn.RemoteAddr().String() + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
			}
			client.Subscribed = true
			s.clientsMu.Lock()
			s.clients[clientID] = client
			n := len(s.clients)
			s.clientsMu.Unlock()
			s.log.Debug().Str("client", clientID).Msg("panel subscribed")
			s.clientsChanged(n)
			// Answer with current counts right away
			s.dispatch(clientID, client, Message{Type: MsgGetCounts, ClientID: clientID})

		case MsgUnsubscribe:
			return

		case MsgPing:
			s.send(client, Message{Type: MsgPong})

		default:
			s.dispatch(clientID, client, msg)
		}
	}
}

func (s *Server) dispatch(clientID string, client *ClientInfo, msg Message) {
	if s.OnRequest == nil {
		return
	}
	if clientID == "" {
		clientID = msg.ClientID
	}
	reply := s.OnRequest(clientID, msg)
	if reply == nil {
		return
	}
	if err := s.send(client, *reply); err != nil {
		s.log.Debug().Err(err).Str("client", clientID).Msg("reply not delivered")
	}
}

func (s *Server) unregister(clientID string, client *ClientInfo) {
	s.clientsMu.Lock()
	current, ok := s.clients[clientID]
	if ok && current == client {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()
	if ok && current == client {
		s.clientsChanged(n)
	}
}

func (s *Server) clientsChanged(n int) {
	if s.OnClientsChanged != nil {
		s.OnClientsChanged(n)
	}
}

// Broadcast sends msg to every subscribed client and returns how many got it.
// Clients that cannot be written to are dropped; a closed panel is expected.
func (s *Server) Broadcast(msg Message) int {
	s.clientsMu.RLock()
	targets := make(map[string]*ClientInfo, len(s.clients))
	for id, c := range s.clients {
		targets[id] = c
	}
	s.clientsMu.RUnlock()

	delivered := 0
	for id, c := range targets {
		if err := s.send(c, msg); err != nil {
			s.log.Debug().Err(err).Str("client", id).Msg("panel went away")
			c.Conn.Close()
			s.unregister(id, c)
			continue
		}
		delivered++
	}
	return delivered
}

// send writes one message line to a client
func (s *Server) send(c *ClientInfo, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.Conn.Write(append(data, '\n'))
	return err
}
