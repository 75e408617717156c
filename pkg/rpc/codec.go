// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// blockCodec is a variation on the gob{Client,Server}Codec in Go's net/rpc
// package that carries block data out of band, so the block payload is never
// run through gob, and compresses it with snappy when that helps. Messages are
// encoded as follows:
// 1. gob-encoded request (or response) header
// 2. gob-encoded body
// 3. raw length of block data (32 bit little-endian)
// 4. wire length of block data (32 bit little-endian), less than the raw
//    length iff the data is snappy compressed
// 5. crc32 of 1 to 4 (little-endian)
// 6. if wire length is not zero: block data
// 7. if wire length is not zero: crc32 of 6 (little-endian)
//
// To carry block data, a message implements the BulkData interface below.
// Get() should clear the []byte member so that gob doesn't also encode it. A
// given type must either always or never implement BulkData.
//
// Request bodies must be passed as pointers, otherwise they can't implement
// the interface.

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/rpc"

	"github.com/golang/snappy"
)

// BulkData is an interface that lets a struct expose a single field as bulk data.
// The bool is true if the caller exclusively owns the buffer.
type BulkData interface {
	Get() ([]byte, bool) // extract and return bulk data and exclusive flag
	Set([]byte, bool)    // put bulk data back and exclusive flag in the struct
}

// Blocks of zeros and other repetitive data compress very well; random data
// doesn't, and then we send it raw.
const minCompressLen = 512

var (
	errChecksumMismatch = errors.New("checksum mismatch in rpc")
	crcTable            = crc32.MakeTable(crc32.Castagnoli)
)

// blockCodec implements both rpc.ClientCodec and rpc.ServerCodec.
type blockCodec struct {
	rwc io.ReadWriteCloser

	// Readers/Writers are wrapped like: gob(crc(bufio(rwc))), so that we can
	// control what gets crc'd.
	decBuf *bufio.Reader
	dec    *gob.Decoder
	encBuf *bufio.Writer
	enc    *gob.Encoder

	wCrc, rCrc uint32
	closed     bool
}

func newBlockCodec(conn io.ReadWriteCloser) *blockCodec {
	c := &blockCodec{rwc: conn}
	c.decBuf = bufio.NewReader(conn)
	c.dec = gob.NewDecoder(c)
	c.encBuf = bufio.NewWriter(conn)
	c.enc = gob.NewEncoder(c)
	return c
}

// The codec itself acts as a checksumming writer and reader:
func (c *blockCodec) Write(p []byte) (n int, err error) {
	n, err = c.encBuf.Write(p)
	c.wCrc = crc32.Update(c.wCrc, crcTable, p[:n])
	return
}

func (c *blockCodec) Read(p []byte) (n int, err error) {
	n, err = c.decBuf.Read(p)
	c.rCrc = crc32.Update(c.rCrc, crcTable, p[:n])
	return
}

// Trick gob into thinking that this is a buffered reader (because it is).
func (c *blockCodec) ReadByte() (byte, error) {
	panic("not implemented")
}

func (c *blockCodec) WriteRequest(r *rpc.Request, body interface{}) (err error) {
	if err = c.write(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *blockCodec) ReadResponseHeader(r *rpc.Response) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *blockCodec) ReadResponseBody(body interface{}) error {
	return c.readBody(body)
}

func (c *blockCodec) ReadRequestHeader(r *rpc.Request) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *blockCodec) ReadRequestBody(body interface{}) error {
	return c.readBody(body)
}

func (c *blockCodec) WriteResponse(r *rpc.Response, body interface{}) (err error) {
	if err = c.write(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *blockCodec) Close() error {
	if c.closed {
		// Only call c.rwc.Close once; otherwise the semantics are undefined.
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *blockCodec) write(header, body interface{}) (err error) {
	var raw []byte
	if bb, ok := body.(BulkData); ok {
		raw, _ = bb.Get()
		// Put it back, the caller might still need it (e.g. to retry).
		defer bb.Set(raw, false)
	}
	wire := raw
	if len(raw) >= minCompressLen {
		if comp := snappy.Encode(nil, raw); len(comp) < len(raw) {
			wire = comp
		}
	}

	c.wCrc = 0
	if err = c.enc.Encode(header); err != nil {
		return
	}
	if err = c.enc.Encode(body); err != nil {
		return
	}
	if err = binary.Write(c, binary.LittleEndian, [2]uint32{uint32(len(raw)), uint32(len(wire))}); err != nil {
		return
	}
	if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
		return
	}
	if len(wire) > 0 {
		c.wCrc = 0
		if _, err = c.Write(wire); err != nil {
			return
		}
		if err = binary.Write(c, binary.LittleEndian, c.wCrc); err != nil {
			return
		}
	}
	return c.encBuf.Flush()
}

func (c *blockCodec) readBody(body interface{}) (err error) {
	// A nil body means the caller wants the message discarded, but we still
	// have to consume it from the stream. gob handles that for us.
	if err = c.dec.Decode(body); err != nil {
		return
	}

	var lens [2]uint32
	if err = binary.Read(c, binary.LittleEndian, &lens); err != nil {
		return
	}
	haveCrc := c.rCrc
	var wantCrc uint32
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}

	rawLen, wireLen := lens[0], lens[1]
	if wireLen == 0 {
		return
	}
	wire := make([]byte, wireLen)
	c.rCrc = 0
	if _, err = io.ReadFull(c, wire); err != nil {
		return
	}
	haveCrc = c.rCrc
	if err = binary.Read(c, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}

	raw := wire
	if wireLen < rawLen {
		if raw, err = snappy.Decode(make([]byte, rawLen), wire); err != nil {
			return
		}
		if uint32(len(raw)) != rawLen {
			return fmt.Errorf("decompressed %d bytes, expected %d", len(raw), rawLen)
		}
	}
	if body == nil {
		return
	}
	bb, ok := body.(BulkData)
	if !ok {
		return fmt.Errorf("type %T doesn't implement BulkData", body)
	}
	bb.Set(raw, true)
	return
}
