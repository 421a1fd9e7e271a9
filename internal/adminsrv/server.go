// Package adminsrv — server.go
//
// Unix domain socket server for the Grace runtime core's process-control
// surface (§6).
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/grace/admin.sock (configurable).
// Permissions: 0600, owned by the running user.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status"}
//	  → Returns every registered kernel's name, tier, state, and restart
//	    count.
//	  → Response: {"ok":true,"kernels":[{"name":"governance","tier":1,
//	    "state":"ready","restart_count":0},...]}
//
//	{"cmd":"halt","kernel":"immune"}
//	  → Drains and stops the named kernel in place (does not restart it).
//	  → Response: {"ok":true,"kernel":"immune"}
//
//	{"cmd":"reload-routes"}
//	  → Re-reads the route manifest from disk and atomically swaps the
//	    mesh's route table (the only non-destructive hot-reload the core
//	    performs outside SIGHUP).
//	  → Response: {"ok":true,"generation":7}
//
//	{"cmd":"verify-journal"}
//	  → Runs an on-demand integrity scan over the full journal.
//	  → Response: {"ok":true,"valid":true,"entries_verified":48213}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package adminsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/grace/internal/kernelhost"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Host is the subset of kernelhost.Host the admin server reads/mutates.
type Host interface {
	List() []kernelhost.KernelStatus
	Stop(ctx context.Context, name string) error
}

// RouteReloader reloads the mesh's route manifest from disk.
type RouteReloader interface {
	ReloadRoutesFromManifest(path string) (generation uint64, err error)
}

// JournalVerifier runs an on-demand full-chain integrity scan.
type JournalVerifier interface {
	VerifyAll() (valid bool, entriesVerified uint64, firstBrokenAt uint64, err error)
}

// KernelInfo is the JSON view of one kernel's status.
type KernelInfo struct {
	Name         string `json:"name"`
	Tier         uint8  `json:"tier"`
	State        string `json:"state"`
	RestartCount int    `json:"restart_count"`
}

// Request is the JSON structure for admin commands.
type Request struct {
	Cmd    string `json:"cmd"` // status | halt | reload-routes | verify-journal
	Kernel string `json:"kernel,omitempty"`
}

// Response is the JSON structure for admin command responses.
type Response struct {
	OK              bool         `json:"ok"`
	Error           string       `json:"error,omitempty"`
	Kernel          string       `json:"kernel,omitempty"`
	Kernels         []KernelInfo `json:"kernels,omitempty"`
	Generation      uint64       `json:"generation,omitempty"`
	Valid           bool         `json:"valid,omitempty"`
	EntriesVerified uint64       `json:"entries_verified,omitempty"`
	FirstBrokenAt   uint64       `json:"first_broken_at,omitempty"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath  string
	routeManifestPath string
	host        Host
	routes      RouteReloader
	journal     JournalVerifier
	log         *zap.Logger
	sem         chan struct{} // semaphore: max concurrent connections
}

// NewServer creates an admin Server.
func NewServer(socketPath, routeManifestPath string, host Host, routes RouteReloader, journal JournalVerifier, log *zap.Logger) *Server {
	return &Server{
		socketPath:        socketPath,
		routeManifestPath: routeManifestPath,
		host:              host,
		routes:            routes,
		journal:           journal,
		log:               log,
		sem:               make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the admin socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("adminsrv: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("adminsrv: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("adminsrv: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("adminsrv: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // clean shutdown
			default:
				s.log.Error("adminsrv: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("adminsrv: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn handles a single admin connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("adminsrv: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "halt":
		return s.cmdHalt(ctx, req)
	case "reload-routes":
		return s.cmdReloadRoutes()
	case "verify-journal":
		return s.cmdVerifyJournal()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	statuses := s.host.List()
	out := make([]KernelInfo, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, KernelInfo{
			Name:         st.Name,
			Tier:         uint8(st.Tier),
			State:        st.State.String(),
			RestartCount: st.RestartCount,
		})
	}
	return Response{OK: true, Kernels: out}
}

func (s *Server) cmdHalt(ctx context.Context, req Request) Response {
	if req.Kernel == "" {
		return Response{OK: false, Error: "kernel required for halt"}
	}
	if err := s.host.Stop(ctx, req.Kernel); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsrv: kernel halted", zap.String("kernel", req.Kernel))
	return Response{OK: true, Kernel: req.Kernel}
}

func (s *Server) cmdReloadRoutes() Response {
	if s.routes == nil {
		return Response{OK: false, Error: "route reload not wired"}
	}
	gen, err := s.routes.ReloadRoutesFromManifest(s.routeManifestPath)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("adminsrv: route table reloaded", zap.Uint64("generation", gen))
	return Response{OK: true, Generation: gen}
}

func (s *Server) cmdVerifyJournal() Response {
	if s.journal == nil {
		return Response{OK: false, Error: "journal verification not wired"}
	}
	valid, verified, firstBroken, err := s.journal.VerifyAll()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Valid: valid, EntriesVerified: verified, FirstBrokenAt: firstBroken}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
