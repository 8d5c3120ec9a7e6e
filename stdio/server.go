// Package stdio serves a session over stdin/stdout with one JSON-RPC
// frame per line. Wire events stream out as "event" notifications,
// engine-initiated requests go out as "request" frames carrying the
// request id, and client responses correlate back by echoing that id.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/halcyondev/halcyon/soul"
	"github.com/halcyondev/halcyon/wire"
)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type promptParams struct {
	Prompt string `json:"prompt"`
}

type steerParams struct {
	Content string `json:"content"`
}

// Params configures a Server.
type Params struct {
	Soul        *soul.Soul
	Bus         *wire.Wire
	Commands    *soul.Commands
	WireLogPath string
	In          io.Reader
	Out         io.Writer
}

// Server drives one session over a stdio byte stream.
type Server struct {
	soul        *soul.Soul
	bus         *wire.Wire
	commands    *soul.Commands
	wireLogPath string
	in          io.Reader

	mu  sync.Mutex
	out io.Writer
}

// NewServer creates a stdio server.
func NewServer(p Params) *Server {
	return &Server{
		soul:        p.Soul,
		bus:         p.Bus,
		commands:    p.Commands,
		wireLogPath: p.WireLogPath,
		in:          p.In,
		out:         p.Out,
	}
}

// Run attaches to the bus and serves until the input stream ends or ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	side := s.bus.Attach(wire.AttachOptions{HandleRequests: true})
	defer s.bus.Detach(side)

	go s.forwardEvents(ctx, side)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			slog.Warn("stdio: skipping malformed frame", "error", err)
			continue
		}
		if f.Method != "" {
			s.handleCall(ctx, f)
		} else if len(f.ID) > 0 {
			s.handleResponse(f)
		}
	}
	return scanner.Err()
}

// forwardEvents relays bus traffic to the client: events as
// notifications, requests as id-bearing frames.
func (s *Server) forwardEvents(ctx context.Context, side *wire.Side) {
	for {
		msg, err := side.Receive(ctx)
		if err != nil {
			return
		}
		if req := msg.Request(); req != nil {
			id, merr := json.Marshal(req.RequestID())
			if merr != nil {
				continue
			}
			s.writeFrame(frame{JSONRPC: "2.0", ID: id, Method: "request", Params: marshalMessage(msg)})
			continue
		}
		s.writeFrame(frame{JSONRPC: "2.0", Method: "event", Params: marshalMessage(msg)})
	}
}

// handleCall dispatches a client request.
func (s *Server) handleCall(ctx context.Context, f frame) {
	switch f.Method {
	case "prompt":
		var params promptParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			s.respondError(f.ID, -32602, "invalid prompt params")
			return
		}
		go func() {
			if s.commands != nil {
				handled, err := s.commands.Handle(ctx, params.Prompt)
				if handled {
					s.respondResult(f.ID, err)
					return
				}
			}
			s.respondResult(f.ID, s.soul.Run(ctx, params.Prompt))
		}()
	case "steer":
		var params steerParams
		if err := json.Unmarshal(f.Params, &params); err != nil {
			s.respondError(f.ID, -32602, "invalid steer params")
			return
		}
		s.respondResult(f.ID, s.soul.Steer(params.Content))
	case "cancel":
		s.soul.Cancel()
		s.respondResult(f.ID, nil)
	case "replay":
		s.replay(f.ID)
	default:
		s.respondError(f.ID, -32601, fmt.Sprintf("unknown method %q", f.Method))
	}
}

// replay streams the persisted wire log back to the client as event
// frames, then acknowledges with the replayed count.
func (s *Server) replay(id json.RawMessage) {
	backlog, err := wire.ReadLog(s.wireLogPath)
	if err != nil {
		s.respondError(id, -32000, err.Error())
		return
	}
	for _, msg := range backlog {
		s.writeFrame(frame{JSONRPC: "2.0", Method: "event", Params: marshalMessage(msg)})
	}
	result, _ := json.Marshal(map[string]int{"replayed": len(backlog)})
	s.writeFrame(frame{JSONRPC: "2.0", ID: id, Result: result})
}

// handleResponse resolves an outstanding engine request from a client
// response. An error object resolves the request to its default answer
// instead of raising.
func (s *Server) handleResponse(f frame) {
	var id string
	if err := json.Unmarshal(f.ID, &id); err != nil {
		slog.Warn("stdio: response with non-string id", "id", string(f.ID))
		return
	}
	req, ok := s.bus.PendingRequest(id)
	if !ok {
		return
	}

	if f.Error != nil {
		s.bus.ResolveRequest(id, defaultAnswer(req))
		return
	}

	switch req.(type) {
	case *wire.ApprovalRequest:
		var outcome string
		if err := json.Unmarshal(f.Result, &outcome); err != nil {
			outcome = soul.OutcomeReject
		}
		s.bus.ResolveRequest(id, outcome)
	case *wire.QuestionRequest:
		var answers []string
		if err := json.Unmarshal(f.Result, &answers); err != nil {
			answers = []string{}
		}
		s.bus.ResolveRequest(id, answers)
	default:
		var value any
		_ = json.Unmarshal(f.Result, &value)
		s.bus.ResolveRequest(id, value)
	}
}

func defaultAnswer(req wire.Request) any {
	switch req.(type) {
	case *wire.ApprovalRequest:
		return soul.OutcomeReject
	case *wire.QuestionRequest:
		return []string{}
	default:
		return nil
	}
}

func (s *Server) respondResult(id json.RawMessage, err error) {
	if len(id) == 0 {
		return
	}
	if err != nil {
		s.respondError(id, -32000, err.Error())
		return
	}
	s.writeFrame(frame{JSONRPC: "2.0", ID: id, Result: json.RawMessage(`"ok"`)})
}

func (s *Server) respondError(id json.RawMessage, code int, msg string) {
	if len(id) == 0 {
		return
	}
	s.writeFrame(frame{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (s *Server) writeFrame(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("stdio: dropping unserializable frame", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		slog.Warn("stdio: write failed", "error", err)
	}
}

func marshalMessage(msg *wire.Message) json.RawMessage {
	data, err := json.Marshal(msg)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
