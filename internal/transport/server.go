// Package transport is the line-delimited stream-socket adapter: it
// frames requests and responses with the #end# sentinel, decodes
// arguments into the typed values the facade consumes, and pumps event
// notifications out-of-band to each connected client.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/edge-robotics/knowbase/internal/events"
	"github.com/edge-robotics/knowbase/internal/kb"
	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Server accepts knowledge base clients on a TCP listener.
type Server struct {
	kb       *kb.KnowledgeBase
	addr     string
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer builds a Server for the facade, listening on addr.
func NewServer(k *kb.KnowledgeBase, addr string) *Server {
	return &Server{kb: k, addr: addr}
}

func (s *Server) log() *logrus.Entry {
	return logger.Component("transport")
}

// Addr returns the listener's bound address, once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens on the configured address and serves connections until
// ctx is cancelled. Each connection runs in its own goroutine and is
// closed cleanly at teardown.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.log().WithField("addr", listener.Addr().String()).Info("Knowledge base server listening")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			connDone := make(chan struct{})
			defer close(connDone)
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-connDone:
				}
			}()
			s.handleConn(conn)
		}()
	}
}

// connWriter serializes frame writes: the request/response loop and the
// event pump share one socket.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) writeFrame(lines ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range lines {
		if _, err := fmt.Fprintln(w.conn, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w.conn, EndToken)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	clientID := uuid.New().String()
	mailbox := s.kb.Events.RegisterClient(clientID)
	defer s.kb.Events.UnregisterClient(clientID)

	log := s.log().WithFields(logrus.Fields{
		"client": clientID,
		"remote": conn.RemoteAddr().String(),
	})
	log.Info("Client connected")

	writer := &connWriter{conn: conn}

	done := make(chan struct{})
	defer close(done)
	go s.pumpEvents(mailbox, writer, done)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		req, ok, err := ReadRequest(scanner)
		if !ok {
			if err != nil {
				log.WithField("error", err).Warn("Client read failed")
			} else {
				log.Info("Client disconnected")
			}
			return
		}

		result, err := s.dispatch(req, clientID)
		if err != nil {
			kind := kberrors.ServerError
			if kerr, isKb := kberrors.As(err); isKb {
				kind = kerr.Kind
			}
			if werr := writer.writeFrame("error", string(kind), err.Error()); werr != nil {
				return
			}
			continue
		}

		payload, err := json.Marshal(result)
		if err != nil {
			if werr := writer.writeFrame("error", string(kberrors.ServerError), err.Error()); werr != nil {
				return
			}
			continue
		}
		if werr := writer.writeFrame("ok", string(payload)); werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *Request, clientID string) (any, error) {
	args, err := buildArgs(req.Method, req.Args, clientID)
	if err != nil {
		return nil, err
	}
	return s.kb.Dispatch(req.Method, args)
}

// eventPayload is the out-of-band notification body.
type eventPayload struct {
	ID      string   `json:"id"`
	Content []string `json:"content"`
}

// pumpEvents forwards the client's mailbox onto the wire as "event"
// frames until the mailbox closes or the connection goes away.
func (s *Server) pumpEvents(mailbox chan events.Event, writer *connWriter, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case evt, ok := <-mailbox:
			if !ok {
				return
			}
			payload, err := json.Marshal(eventPayload{
				ID:      strconv.FormatUint(evt.SubscriptionID, 10),
				Content: evt.Content,
			})
			if err != nil {
				continue
			}
			if err := writer.writeFrame("event", string(payload)); err != nil {
				return
			}
		}
	}
}
