// Package rpc implements the JSON-RPC 2.0 control surface of spec.md
// §6: newline-delimited JSON-RPC 2.0 requests/responses over a Unix
// domain socket, plus unsolicited "onchange" notifications whenever the
// player's state or track id changes.
//
// Grounded on the teacher's accept-loop-per-client pattern in
// src/kissnet.go (connect_listen_thread/kissnet_listen_thread), adapted
// from AX.25 KISS framing to newline-delimited JSON.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dsb/putvgo/internal/catalog"
	"github.com/dsb/putvgo/internal/event"
	"github.com/dsb/putvgo/internal/logging"
	"github.com/dsb/putvgo/internal/media"
	"github.com/dsb/putvgo/internal/player"
)

var log = logging.Stage("rpc")

// Standard JSON-RPC 2.0 error codes, plus the domain-error code spec.md
// §6 calls for.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeDomainError    = -12345
)

// Request is one JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one JSON-RPC 2.0 response object. Error is set on failure;
// on success Result holds the method's result, which is nil (and
// omitted) for methods that return nothing.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error object.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Capabilities is the result of the `capabilities` method: the engine's
// live, registry-derived list of supported events/actions/codecs/
// protocols, per SPEC_FULL.md's "introspect the actual registered
// adapters rather than a hardcoded list".
type Capabilities struct {
	Events    []string `json:"events"`
	Actions   []string `json:"actions"`
	Codecs    []string `json:"codecs"`
	Protocols []string `json:"protocols"`
}

// Server is the JSON-RPC 2.0 server of spec.md §6: one Unix-domain
// listener, one player, one catalog, broadcasting onchange to every
// connected client.
type Server struct {
	ln  net.Listener
	p   *player.Player
	cat *catalog.Catalog
	cap Capabilities

	wg sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[string]chan []byte
}

// NewServer binds a Unix-domain socket at path and wires p/cat as the
// RPC surface's backing player and catalog. cap is the engine's
// advertised codec/protocol/event/action inventory.
func NewServer(path string, p *player.Player, cat *catalog.Catalog, cap Capabilities) (*Server, error) {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", path, err)
	}
	s := &Server{ln: ln, p: p, cat: cat, cap: cap, clients: map[string]chan []byte{}}
	return s, nil
}

// Serve accepts clients until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	sub := s.p.Events().Subscribe(32)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub {
			if ev.Kind != event.OnChange {
				continue
			}
			st, ok := ev.Payload.(player.Status)
			if !ok {
				continue
			}
			s.broadcast(statusResult(st))
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.ln.Close()
		s.p.Events().Unsubscribe(sub)
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return err
		}
		clientID := uuid.NewString()
		s.wg.Add(1)
		go s.handleConn(clientID, conn)
	}
}

// Close tears down every client connection and the listener.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.clientsMu.Lock()
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) broadcast(payload any) {
	raw, err := json.Marshal(Response{JSONRPC: "2.0", Result: payload})
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, ch := range s.clients {
		select {
		case ch <- raw:
		default:
			log.Warn("client onchange queue full, dropping notification", "client", id)
		}
	}
}

func (s *Server) handleConn(clientID string, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	out := make(chan []byte, 16)
	s.clientsMu.Lock()
	s.clients[clientID] = out
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientID)
		s.clientsMu.Unlock()
	}()

	done := make(chan struct{})
	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		for {
			select {
			case b, ok := <-out:
				if !ok {
					return
				}
				if _, err := conn.Write(b); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(append([]byte(nil), line...))
		raw, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		raw = append(raw, '\n')
		select {
		case out <- raw:
		default:
			log.Warn("client response queue full, dropping", "client", clientID)
		}
	}
	close(done)
	writeWG.Wait()
}

func (s *Server) dispatch(line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{JSONRPC: "2.0", Error: &ErrorObject{Code: codeParseError, Message: err.Error()}}
	}
	if req.Method == "" {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: codeInvalidRequest, Message: "missing method"}}
	}

	result, err := s.call(req.Method, req.Params)
	if err != nil {
		code := codeDomainError
		var me *methodNotFoundError
		if errors.As(err, &me) {
			code = codeMethodNotFound
		}
		var pe *invalidParamsError
		if errors.As(err, &pe) {
			code = codeInvalidParams
		}
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: code, Message: err.Error()}}
	}
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string { return fmt.Sprintf("method not found: %s", e.method) }

type invalidParamsError struct{ msg string }

func (e *invalidParamsError) Error() string { return e.msg }

func statusResult(st player.Status) map[string]any {
	return map[string]any{
		"state":   st.State,
		"id":      st.ID,
		"info":    st.Info,
		"next":    st.Next,
		"count":   st.Count,
		"media":   st.Media,
		"options": st.Options,
		"volume":  st.Volume,
	}
}

func entryResult(e media.Entry) map[string]any {
	return map[string]any{"id": e.ID, "url": e.URL, "mime": e.MIME, "info": e.Info}
}
