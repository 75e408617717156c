// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/rpc"

	log "github.com/golang/glog"
)

const (
	rpcPath         = "/_goRPC_block_"
	connectedStatus = "200 Connected to Go RPC" // rpc.connected is not exported
)

// Server is an RPC server reachable through HTTP CONNECT on its own mux, so
// that several servers can live in one process (e.g. in tests). Status pages,
// metrics and the failure service can be added to Mux().
type Server struct {
	rpc *rpc.Server
	mux *http.ServeMux
}

// NewServer returns a new Server.
func NewServer() *Server {
	s := &Server{rpc: rpc.NewServer(), mux: http.NewServeMux()}
	s.mux.HandleFunc(rpcPath, s.serveConnect)
	return s
}

// RegisterName registers the methods of rcvr under 'name'.
func (s *Server) RegisterName(name string, rcvr interface{}) error {
	return s.rpc.RegisterName(name, rcvr)
}

// Mux returns the http mux the server is on.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Serve serves RPC and http requests on l until it's closed.
func (s *Server) Serve(l net.Listener) error {
	return http.Serve(l, s.mux)
}

// ListenAndServe listens on addr and serves until an error occurs.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

func (s *Server) serveConnect(w http.ResponseWriter, req *http.Request) {
	// Adapted from net/rpc/server.go, replacing ServeConn with ServeCodec.
	if req.Method != "CONNECT" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		io.WriteString(w, "405 must CONNECT\n")
		return
	}
	conn, _, err := w.(http.Hijacker).Hijack()
	if err != nil {
		log.Errorf("rpc hijacking %s: %s", req.RemoteAddr, err)
		return
	}
	io.WriteString(conn, "HTTP/1.0 "+connectedStatus+"\n\n")
	s.rpc.ServeCodec(newBlockCodec(conn))
}

// dial is like rpc.DialHTTP but with a context and using the block codec.
func dial(ctx context.Context, addr string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	io.WriteString(conn, "CONNECT "+rpcPath+" HTTP/1.0\n\n")

	// Require successful HTTP response before switching to RPC protocol.
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: "CONNECT"})
	if err == nil && resp.Status == connectedStatus {
		return rpc.NewClientWithCodec(newBlockCodec(conn)), nil
	}
	if err == nil {
		err = errors.New("unexpected HTTP response: " + resp.Status)
	}
	conn.Close()
	return nil, &net.OpError{Op: "dial-http", Net: "tcp " + addr, Err: err}
}
