// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package frontend

import (
	"golang.org/x/net/context"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// alignDown and alignUp round to block boundaries.
func alignDown(off int64) int64 {
	return off - off%core.BlockSize
}

func alignUp(off int64) int64 {
	return alignDown(off + core.BlockSize - 1)
}

// readAt reads up to 'n' bytes at any offset. Reads past the end are cut short.
func readAt(ctx context.Context, d Device, off int64, n int) ([]byte, core.Error) {
	size := d.Size()
	if off < 0 || n < 0 {
		return nil, core.ErrInvalidArgument
	}
	if off >= size || n == 0 {
		return nil, core.NoError
	}
	if rem := size - off; int64(n) > rem {
		n = int(rem)
	}
	start, end := alignDown(off), alignUp(off+int64(n))
	buf, err := readAligned(ctx, d, start, end)
	if err != core.NoError {
		return nil, err
	}
	return buf[off-start : off-start+int64(n)], core.NoError
}

// readAligned reads [start, end) in pieces the device accepts.
func readAligned(ctx context.Context, d Device, start, end int64) ([]byte, core.Error) {
	buf := make([]byte, 0, end-start)
	for off := start; off < end; {
		n := end - off
		if n > core.MaxIOSize {
			n = core.MaxIOSize
		}
		b, err := d.Read(ctx, off, int(n))
		if err != core.NoError {
			return nil, err
		}
		buf = append(buf, b...)
		off += n
	}
	return buf, core.NoError
}

// writeAt writes 'b' at any offset. Partial blocks at either end are read
// first and merged, so callers must not write overlapping ranges concurrently.
func writeAt(ctx context.Context, d Device, off int64, b []byte) core.Error {
	if off < 0 {
		return core.ErrInvalidArgument
	}
	if len(b) == 0 {
		return core.NoError
	}
	if off+int64(len(b)) > d.Size() {
		return core.ErrCapacityExceeded
	}
	start, end := alignDown(off), alignUp(off+int64(len(b)))
	buf := b
	if start != off || end != off+int64(len(b)) {
		buf = make([]byte, end-start)
		if start != off {
			head, err := d.Read(ctx, start, core.BlockSize)
			if err != core.NoError {
				return err
			}
			copy(buf, head)
		}
		if last := end - core.BlockSize; end != off+int64(len(b)) && (last != start || start == off) {
			tail, err := d.Read(ctx, last, core.BlockSize)
			if err != core.NoError {
				return err
			}
			copy(buf[last-start:], tail)
		}
		copy(buf[off-start:], b)
	}

	for pos := int64(0); pos < int64(len(buf)); {
		n := int64(len(buf)) - pos
		if n > core.MaxIOSize {
			n = core.MaxIOSize
		}
		if err := d.Write(ctx, start+pos, buf[pos:pos+n]); err != core.NoError {
			return err
		}
		pos += n
	}
	return core.NoError
}
