// Package comms implements the remote transport shim (SPEC_FULL.md §4.9):
// a comms vat whose dispatch crosses a process boundary over
// github.com/valyala/fasthttp instead of staying local, while still
// satisfying vat.Worker so VatManager treats it like any other vat.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package comms

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/ocapkernel/kernel/kerr"
	"github.com/ocapkernel/kernel/vat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is the wire shape of a single POST /crank round trip.
type envelope struct {
	Delivery vat.Delivery  `json:"delivery"`
	Syscalls []vat.Syscall `json:"syscalls"`
	Error    string        `json:"error,omitempty"`
}

// PeerClient is a vat.Worker that forwards every delivery to a remote
// kernel's comms listener and returns its reply's syscalls.
type PeerClient struct {
	PeerURL string
	HTTP    *fasthttp.Client
}

// NewPeerClient builds a client addressed at peerURL (e.g.
// "http://10.0.0.5:7337"), the shape of a §6.4 io channel descriptor with
// type "socket".
func NewPeerClient(peerURL string) *PeerClient {
	return &PeerClient{PeerURL: peerURL, HTTP: &fasthttp.Client{MaxConnsPerHost: 8}}
}

// Deliver implements vat.Worker by POSTing delivery to PeerURL + "/crank".
func (c *PeerClient) Deliver(ctx context.Context, d vat.Delivery) ([]vat.Syscall, error) {
	body, err := json.Marshal(envelope{Delivery: d})
	if err != nil {
		return nil, kerr.Wrap(err, "encoding comms delivery")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.PeerURL + "/crank")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline, hasDeadline := ctx.Deadline()
	var doErr error
	if hasDeadline {
		doErr = c.HTTP.DoDeadline(req, resp, deadline)
	} else {
		doErr = c.HTTP.Do(req, resp)
	}
	if doErr != nil {
		return nil, kerr.NewVatDispatchFailed(doErr, "comms peer %s unreachable", c.PeerURL)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, kerr.NewVatDispatchFailed(nil, "comms peer %s returned status %d", c.PeerURL, resp.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, kerr.Wrap(err, "decoding comms reply")
	}
	if env.Error != "" {
		return nil, kerr.NewVatDispatchFailed(nil, "comms peer %s: %s", c.PeerURL, env.Error)
	}
	return env.Syscalls, nil
}

// Handler is the local callback a comms Listener invokes for every
// delivery decoded off the wire — typically a thunk that applies the
// delivery to whatever local vat-equivalent logic lives behind the comms
// vat on this side.
type Handler func(ctx context.Context, d vat.Delivery) ([]vat.Syscall, error)

// Listener serves POST /crank, handing each decoded delivery to its one
// handle; any other path or method gets 404.
type Listener struct {
	server  *fasthttp.Server
	handle  Handler
	timeout time.Duration
}

// NewListener builds a listener that calls handle for every delivery it
// receives, bounding each call by timeout.
func NewListener(handle Handler, timeout time.Duration) *Listener {
	l := &Listener{handle: handle, timeout: timeout}
	l.server = &fasthttp.Server{Handler: l.serve}
	return l
}

// ListenAndServe blocks serving addr until the listener is shut down.
func (l *Listener) ListenAndServe(addr string) error {
	return l.server.ListenAndServe(addr)
}

// Shutdown gracefully stops the listener.
func (l *Listener) Shutdown() error { return l.server.Shutdown() }

func (l *Listener) serve(ctx *fasthttp.RequestCtx) {
	if string(ctx.Path()) != "/crank" || !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	var env envelope
	if err := json.Unmarshal(ctx.PostBody(), &env); err != nil {
		writeError(ctx, err)
		return
	}

	goCtx := context.Background()
	var cancel context.CancelFunc
	if l.timeout > 0 {
		goCtx, cancel = context.WithTimeout(goCtx, l.timeout)
		defer cancel()
	}

	syscalls, err := l.handle(goCtx, env.Delivery)
	if err != nil {
		writeError(ctx, err)
		return
	}

	out, err := json.Marshal(envelope{Syscalls: syscalls})
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}

func writeError(ctx *fasthttp.RequestCtx, err error) {
	out, _ := json.Marshal(envelope{Error: err.Error()})
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}
