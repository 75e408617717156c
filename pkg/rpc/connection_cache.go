// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses.
//
// ConnectionCache is thread-safe.
type ConnectionCache struct {
	// Protects conns and the reference counts in it.
	lock  sync.Mutex
	conns *lru.Cache

	dialTimeout time.Duration
	rpcTimeout  time.Duration
}

// NewConnectionCache makes a new ConnectionCache. dialTimeout bounds
// connecting, rpcTimeout bounds every call (on top of the caller's context).
// If more than maxConns connections are open, idle ones may be dropped; zero
// means never drop.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = func(key lru.Key, val interface{}) {
		log.V(10).Infof("%s has been evicted from connection cache", key)
		// Called with the lock held.
		val.(*refCntClient).release()
	}
	return &ConnectionCache{conns: conns, dialTimeout: dialTimeout, rpcTimeout: rpcTimeout}
}

// get returns a connection to addr, dialing if needed. The caller must call
// put when done with it.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	cc.lock.Unlock()

	// Dial without the lock.
	dctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	clt, err := dial(dctx, addr)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	// Somebody might have connected in parallel, use theirs.
	if v, ok := cc.conns.Get(addr); ok {
		clt.Close()
		rc := v.(*refCntClient)
		rc.count++
		return rc
	}
	log.Infof("established connection to %s", addr)
	// One reference for the cache, one for the caller.
	rc := &refCntClient{count: 2, clt: clt}
	cc.conns.Add(addr, rc)
	return rc
}

// put releases the caller's reference. If the call failed at the RPC level,
// the connection is dropped from the cache so the next call reconnects.
func (cc *ConnectionCache) put(addr string, rc *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if rc.release() || err == nil {
		return
	}
	// Only remove it if it's still the cached one; an earlier failure might
	// have replaced it already.
	if cur, ok := cc.conns.Get(addr); ok && cur == rc {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	}
}

// Send calls 'method' on addr and waits for the reply, the rpc timeout, or
// ctx, whichever comes first.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	cctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.put(addr, rc, call.Error)
		// The connection was reset under us; the server is probably alive, so
		// reconnect and try once more within the same deadline.
		if call.Error == rpc.ErrShutdown && cctx.Err() == nil {
			return cc.Send(cctx, addr, method, req, reply)
		}
		return call.Error

	case <-cctx.Done():
		log.Errorf("rpc %q to %s: %s", method, addr, cctx.Err())
		cc.put(addr, rc, nil)
		return cctx.Err()
	}
}

// Remove closes and forgets the connection to addr, if any.
func (cc *ConnectionCache) Remove(addr string) {
	cc.lock.Lock()
	cc.conns.Remove(addr)
	cc.lock.Unlock()
}

// CloseAll drops every connection. Connections in use are closed once their
// last call finishes.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

// refCntClient is an rpc.Client shared between the cache and the calls using
// it. count is protected by the cache lock.
type refCntClient struct {
	count int
	clt   *rpc.Client
}

// release drops one reference and closes the client when none are left.
func (c *refCntClient) release() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
