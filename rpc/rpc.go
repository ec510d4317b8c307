// Package rpc implements the daemon's JSON-RPC 2.0 server (spec.md §6.1): a
// hand-rolled protocol over a unix stream socket, one request per line. No
// off-the-shelf JSON-RPC framework appears anywhere in the example corpus,
// and the teacher hand-rolls its own wire protocols rather than reaching
// for a generic RPC library, so this follows that idiom (see DESIGN.md).
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package rpc

import (
	"bufio"
	"net"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ocapkernel/kernel/capdata"
	"github.com/ocapkernel/kernel/ids"
	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/klog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one line of a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object, populated from a kerr kind/code.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Response is one line of a JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// StatusResult is getStatus's result shape.
type StatusResult struct {
	Vats        []string `json:"vats"`
	Subclusters []string `json:"subclusters"`
	QueueDepth  int      `json:"queueDepth"`
}

// LaunchParams/LaunchResult are launchSubcluster's params/result shapes.
type LaunchParams struct {
	Config json.RawMessage `json:"config"`
}

type LaunchResult struct {
	SubclusterID    string `json:"subclusterId"`
	RootKref        string `json:"rootKref"`
	BootstrapResult string `json:"bootstrapResult"`
}

type TerminateParams struct {
	SubclusterID string `json:"subclusterId"`
}

type QueueMessageParams struct {
	Target ids.Kref        `json:"target"`
	Method string          `json:"method"`
	Args   capdata.CapData `json:"args"`
}

type RevokeParams struct {
	Kref string `json:"kref"`
}

type RevokeResult struct {
	OK bool `json:"ok"`
}

type RefEntry struct {
	Ref  string `json:"ref"`
	Kref string `json:"kref"`
}

type ListRefsResult struct {
	Refs []RefEntry `json:"refs"`
}

// Kernel is every RPC-facing operation the daemon exposes (spec.md §6.1's
// method table). Implemented by package kernel's top-level Kernel type.
type Kernel interface {
	GetStatus() (StatusResult, error)
	LaunchSubcluster(config json.RawMessage) (LaunchResult, error)
	TerminateSubcluster(subclusterID string) error
	QueueMessage(target ids.Kref, method string, args capdata.CapData) (capdata.CapData, error)
	Revoke(kref string) (bool, error)
	ListRefs() ([]RefEntry, error)
	Shutdown() error
}

// Server serves spec.md §6.1's JSON-RPC methods over a unix socket, one
// request per line per connection.
type Server struct {
	ln          net.Listener
	kernel      Kernel
	readTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// Listen opens (replacing any stale socket file left by a prior daemon) a
// unix listener at socketPath. readTimeout bounds how long the server
// waits for the next request line on an idle connection (spec.md §5); zero
// disables the deadline.
func Listen(socketPath string, kernel Kernel, readTimeout time.Duration) (*Server, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, kerr.Wrap(err, "listening on "+socketPath)
	}
	return &Server{ln: ln, kernel: kernel, readTimeout: readTimeout}, nil
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(conn)

	for {
		if s.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				klog.Warningln("rpc: setting read deadline:", err)
				return
			}
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(writer, nil, kerr.NewBadSyscall("malformed request: %v", err))
			continue
		}
		resp := s.dispatch(req)
		if err := writeResponse(writer, resp); err != nil {
			klog.Warningln("rpc: write failed:", err)
			return
		}
		if req.Method == "shutdown" {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case "getStatus":
		res, err := s.kernel.GetStatus()
		return reply(req.ID, res, err)

	case "launchSubcluster":
		var p LaunchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return reply(req.ID, nil, kerr.NewInvalidConfig("malformed launchSubcluster params: %v", err))
		}
		res, err := s.kernel.LaunchSubcluster(p.Config)
		return reply(req.ID, res, err)

	case "terminateSubcluster":
		var p TerminateParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return reply(req.ID, nil, kerr.NewNotFound("malformed terminateSubcluster params: %v", err))
		}
		err := s.kernel.TerminateSubcluster(p.SubclusterID)
		return reply(req.ID, nil, err)

	case "queueMessage":
		var p QueueMessageParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return reply(req.ID, nil, kerr.NewBadRef("malformed queueMessage params: %v", err))
		}
		res, err := s.kernel.QueueMessage(p.Target, p.Method, p.Args)
		return reply(req.ID, res, err)

	case "revoke":
		var p RevokeParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return reply(req.ID, nil, kerr.NewNotFound("malformed revoke params: %v", err))
		}
		ok, err := s.kernel.Revoke(p.Kref)
		return reply(req.ID, RevokeResult{OK: ok}, err)

	case "listRefs":
		refs, err := s.kernel.ListRefs()
		return reply(req.ID, ListRefsResult{Refs: refs}, err)

	case "shutdown":
		err := s.kernel.Shutdown()
		return reply(req.ID, nil, err)
	}
	return reply(req.ID, nil, kerr.NewBadSyscall("unknown method %q", req.Method))
}

func reply(id any, result any, err error) Response {
	if err != nil {
		return Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: kerr.Code(err), Message: err.Error()}}
	}
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) writeError(w *bufio.Writer, id any, err error) {
	_ = writeResponse(w, reply(id, nil, err))
}

func writeResponse(w *bufio.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
