package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ktd/internal/cond"
	"github.com/srg/ktd/internal/groutine"
	"github.com/srg/ktd/internal/poller"
	"github.com/srg/ktd/internal/script"
	"github.com/srg/ktd/internal/timeddb"
	"github.com/srg/ktd/internal/ulog"
)

// NewServer builds a dispatch Server over the given databases. dbNames
// parallels dbs; empty entries mean index-only access.
func NewServer(dbs []*timeddb.TimedDB, dbNames []string, scriptEngine *script.Engine, log *ulog.Logger, serverID uint16, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		Registry: NewRegistry(dbs, dbNames),
		Conds:    cond.NewMap(),
		Script:   scriptEngine,
		Log:      log,
		Logger:   logger,
		ServerID: serverID,
	}
}

// StartHousekeeping launches the idle/timer background loop over the
// server's registry.
func (srv *Server) StartHousekeeping(ctx context.Context, idle, sync time.Duration) {
	srv.housekeeping = startHousekeeper(ctx, srv.Registry, idle, sync)
}

// StopHousekeeping ends the background loop started by StartHousekeeping.
func (srv *Server) StopHousekeeping() {
	srv.housekeeping.Stop()
}

// ListenAndServe accepts TSV/RPC connections on addr, registering the
// listener's file descriptor with a Poller rather than blocking
// directly in Accept, so shutdown can interrupt the wait.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return srv.acceptLoop(ctx, ln)
	}
	file, err := tcpLn.File()
	if err != nil {
		return srv.acceptLoop(ctx, ln)
	}
	defer file.Close()

	p, err := poller.Open()
	if err != nil {
		return err
	}
	defer p.Close()

	fd := int(file.Fd())
	if err := p.Deposit(fd, poller.Input); err != nil {
		return err
	}

	var connID uint64
	for {
		select {
		case <-ctx.Done():
			p.Abort()
			return ctx.Err()
		default:
		}

		if err := p.Wait(1.0); err != nil {
			if err == poller.ErrTimeout {
				continue
			}
			return err
		}
		if _, _, err := p.Next(); err != nil {
			continue
		}
		conn, err := ln.Accept()
		if err != nil {
			if err := p.Undo(fd); err != nil {
				srv.Logger.WithError(err).Warn("poller undo failed")
			}
			continue
		}
		if err := p.Undo(fd); err != nil {
			srv.Logger.WithError(err).Warn("poller undo failed")
		}

		connID++
		id := connID
		groutine.Go(ctx, "worker.conn", func(ctx context.Context) {
			srv.serveConn(ctx, conn, id)
		})
	}
}

// acceptLoop is the fallback path for listeners that do not expose a
// raw file descriptor (e.g. in-memory test listeners).
func (srv *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var connID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		connID++
		id := connID
		groutine.Go(ctx, "worker.conn", func(ctx context.Context) {
			srv.serveConn(ctx, conn, id)
		})
	}
}

// ListenAndServeBinary accepts on addr and dispatches every connection
// to ServeBinary: replication streams, bulk ops, and play_script
// framed with a magic byte instead of TSV lines.
func (srv *Server) ListenAndServeBinary(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	var connID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		connID++
		id := connID
		groutine.Go(ctx, "worker.binconn", func(ctx context.Context) {
			srv.ServeBinary(ctx, conn, id)
		})
	}
}

// ListenAndServeREST accepts HTTP connections on addr and serves the
// REST surface.
func (srv *Server) ListenAndServeREST(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	err := httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serveConn frames one TSV connection: each request is a sequence of
// "key\tvalue" lines terminated by a blank line, and the response is
// framed the same way.
func (srv *Server) serveConn(ctx context.Context, conn net.Conn, id uint64) {
	defer conn.Close()
	sess := NewSession(id)
	defer sess.Close()

	reader := bufio.NewReader(conn)
	for {
		req, err := readTSVRequest(reader)
		if err != nil {
			return
		}
		method := req["_method"]
		delete(req, "_method")

		out := srv.Dispatch(sess, method, req)
		if err := writeTSVResponse(conn, out); err != nil {
			return
		}
	}
}

func readTSVRequest(r *bufio.Reader) (map[string]string, error) {
	methodLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	out := map[string]string{"_method": strings.TrimSpace(methodLine)}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return out, nil
		}
		k, v, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		out[k] = v
	}
}

func writeTSVResponse(w net.Conn, out map[string]string) error {
	var b strings.Builder
	for k, v := range out {
		b.WriteString(k)
		b.WriteByte('\t')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := w.Write([]byte(b.String()))
	return err
}
