// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"net/rpc"
	"testing"
	"time"
)

type BlockMsg struct {
	Field int
	Data  []byte
}

func (t *BlockMsg) Get() ([]byte, bool)  { b := t.Data; t.Data = nil; return b, true }
func (t *BlockMsg) Set(b []byte, e bool) { t.Data = b }

type closeBuffer struct {
	bytes.Buffer
}

func (cb *closeBuffer) Close() error { return nil }

func roundTripRequest(t *testing.T, bulk []byte) {
	buf := &closeBuffer{}
	inBody := &BlockMsg{Field: 777, Data: bulk}
	inReq := &rpc.Request{ServiceMethod: "method", Seq: 12345}
	if err := newBlockCodec(buf).WriteRequest(inReq, inBody); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(inBody.Data, bulk) {
		t.Fatal("writing should leave the data in the message")
	}

	sc := newBlockCodec(buf)
	var outReq rpc.Request
	if err := sc.ReadRequestHeader(&outReq); err != nil {
		t.Fatal(err)
	}
	if outReq.ServiceMethod != inReq.ServiceMethod || outReq.Seq != inReq.Seq {
		t.Fatal("header mismatch")
	}
	var outBody BlockMsg
	if err := sc.ReadRequestBody(&outBody); err != nil {
		t.Fatal(err)
	}
	if outBody.Field != inBody.Field || !bytes.Equal(outBody.Data, bulk) {
		t.Fatal("body mismatch")
	}
}

func TestCodecRandomData(t *testing.T) {
	bulk := make([]byte, 1<<20)
	rand.Read(bulk)
	roundTripRequest(t, bulk)
}

func TestCodecCompressibleData(t *testing.T) {
	roundTripRequest(t, make([]byte, 1<<20))
}

func TestCodecNoData(t *testing.T) {
	roundTripRequest(t, nil)
}

func TestCodecCorruption(t *testing.T) {
	buf := &closeBuffer{}
	bulk := make([]byte, 4096)
	rand.Read(bulk)
	newBlockCodec(buf).WriteResponse(&rpc.Response{ServiceMethod: "m", Seq: 1}, &BlockMsg{Data: bulk})

	// Flip a bit near the end, inside the block data.
	b := buf.Bytes()
	b[len(b)-100] ^= 1

	cc := newBlockCodec(buf)
	var resp rpc.Response
	if err := cc.ReadResponseHeader(&resp); err != nil {
		t.Fatal(err)
	}
	var out BlockMsg
	if err := cc.ReadResponseBody(&out); err != errChecksumMismatch {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

type Echo struct{}

func (Echo) Double(req *BlockMsg, reply *BlockMsg) error {
	reply.Field = req.Field * 2
	reply.Data = append(req.Data, req.Data...)
	return nil
}

func (Echo) Slow(req int, reply *int) error {
	time.Sleep(time.Duration(req) * time.Millisecond)
	*reply = req
	return nil
}

func startServer(t *testing.T) (string, net.Listener) {
	s := NewServer()
	if err := s.RegisterName("Echo", Echo{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve(l)
	return l.Addr().String(), l
}

func TestSendEndToEnd(t *testing.T) {
	addr, l := startServer(t)
	defer l.Close()

	cc := NewConnectionCache(time.Second, time.Second, 10)
	defer cc.CloseAll()

	data := []byte("block data")
	var reply BlockMsg
	if err := cc.Send(context.Background(), addr, "Echo.Double", &BlockMsg{Field: 21, Data: data}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Field != 42 || string(reply.Data) != "block datablock data" {
		t.Fatalf("bad reply %+v", reply)
	}
}

func TestSendTimeout(t *testing.T) {
	addr, l := startServer(t)
	defer l.Close()

	cc := NewConnectionCache(time.Second, 20*time.Millisecond, 10)
	defer cc.CloseAll()
	var reply int
	if err := cc.Send(context.Background(), addr, "Echo.Slow", 500, &reply); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSendNoServer(t *testing.T) {
	l, _ := net.Listen("tcp", "localhost:0")
	addr := l.Addr().String()
	l.Close()

	cc := NewConnectionCache(100*time.Millisecond, time.Second, 10)
	var reply int
	if err := cc.Send(context.Background(), addr, "Echo.Slow", 1, &reply); err != ErrorRPCConnect {
		t.Fatalf("expected ErrorRPCConnect, got %v", err)
	}
}
