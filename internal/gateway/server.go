// Package gateway accepts client connections over websocket or a unix
// socket and streams each client the updates for the feeds it asked for.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appconfig "hermesgw/config"
	"hermesgw/internal/bus"
	"hermesgw/internal/metrics"
	"hermesgw/internal/registry"
	"hermesgw/logger"
	"hermesgw/models"
)

const maxLoggedRequest = 512

// Server serves one listener. Every connection shares the registry and bus.
type Server struct {
	kind     Kind
	ln       net.Listener
	cfg      appconfig.ListenerConfig
	registry *registry.Registry
	updates  *bus.Bus[models.PriceUpdate]
	upgrader websocket.Upgrader
	log      *logger.Log

	active atomic.Int64
	wg     sync.WaitGroup
}

func NewServer(kind Kind, ln net.Listener, cfg appconfig.ListenerConfig, reg *registry.Registry, updates *bus.Bus[models.PriceUpdate]) *Server {
	return &Server{
		kind:     kind,
		ln:       ln,
		cfg:      cfg,
		registry: reg,
		updates:  updates,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.GetLogger(),
	}
}

func (s *Server) Kind() Kind {
	return s.kind
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Active returns the number of clients currently subscribed.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Serve accepts clients until ctx is cancelled, then closes the listener
// and waits for every connection handler to return.
func (s *Server) Serve(ctx context.Context) error {
	s.log.WithComponent("gateway").WithFields(logger.Fields{
		"transport": s.kind.String(),
		"address":   s.ln.Addr().String(),
	}).Info("gateway listening")

	var err error
	switch s.kind {
	case KindWebSocket:
		err = s.serveWebSocket(ctx)
	case KindIPC:
		err = s.serveIPC(ctx)
	default:
		err = fmt.Errorf("serve: unknown kind %s", s.kind)
	}

	s.wg.Wait()
	s.log.WithComponent("gateway").WithField("transport", s.kind.String()).Info("gateway stopped")
	return err
}

func (s *Server) serveWebSocket(ctx context.Context) error {
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Counted before the upgrade hijacks the connection out of
			// srv.Shutdown's view.
			s.wg.Add(1)
			defer s.wg.Done()
			conn, err := s.upgrader.Upgrade(w, r, nil)
			if err != nil {
				metrics.ClientRejected(s.kind.String())
				s.log.WithComponent("gateway").WithError(err).Debug("websocket upgrade failed")
				return
			}
			s.handle(ctx, newWSStream(conn, s.cfg.WriteTimeout, s.cfg.MaxMessageBytes))
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(s.ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithComponent("gateway").WithError(err).Warn("websocket server shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve websocket: %w", err)
	}
}

func (s *Server) serveIPC(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept ipc: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, newIPCStream(conn, s.cfg.WriteTimeout, s.cfg.MaxRequestBytes))
		}()
	}
}

// handle runs one client from its subscription request to disconnect. The
// registry entry and bus receiver are released on every exit path.
func (s *Server) handle(ctx context.Context, st stream) {
	transport := s.kind.String()
	log := s.log.WithComponent("gateway").WithFields(logger.Fields{
		"transport": transport,
		"conn_id":   uuid.NewString(),
		"remote":    st.RemoteAddr(),
	})

	defer st.Close()
	stop := context.AfterFunc(ctx, func() { st.Close() })
	defer stop()

	raw, err := st.ReadRequest()
	if err != nil {
		metrics.ClientRejected(transport)
		log.WithError(err).Debug("client closed before subscribing")
		return
	}
	sub, err := models.DecodeSubscription(raw)
	if err != nil {
		metrics.ClientRejected(transport)
		if len(raw) > maxLoggedRequest {
			raw = raw[:maxLoggedRequest]
		}
		log.WithError(err).WithField("payload", string(raw)).Warn("rejected client subscription")
		return
	}

	set := models.NewSubscriptionSet(sub.IDs)
	handle := s.registry.Add(set)
	defer s.registry.Remove(handle)

	rx := s.updates.Subscribe()
	defer rx.Close()

	s.active.Add(1)
	defer s.active.Add(-1)
	metrics.ClientConnected(transport)
	defer metrics.ClientDisconnected(transport)

	log = log.WithFields(logger.Fields{"handle": handle.String(), "feeds": set.Len()})
	log.Info("client subscribed")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := st.Drain(); err != nil {
			cancel()
			return
		}
		log.Debug("client closed its write side, still streaming")
	}()

	for {
		update, err := rx.Recv(connCtx)
		if err != nil {
			var lagged *bus.LaggedError
			if errors.As(err, &lagged) {
				metrics.ClientOverrun(transport)
				log.WithField("missed", lagged.Missed).Debug("client fell behind")
				continue
			}
			log.WithField("reason", err.Error()).Info("client disconnected")
			return
		}

		if !set.Contains(update.PriceFeed.ID) {
			continue
		}

		payload, err := json.Marshal(update)
		if err != nil {
			log.WithError(err).Warn("failed to encode price update")
			continue
		}
		if err := st.WritePayload(payload); err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				log.WithError(err).WithField("feed", update.PriceFeed.ID.String()).Warn("skipping oversized update")
				continue
			}
			log.WithError(err).Info("client write failed")
			return
		}
		metrics.UpdateSent(transport)
	}
}
