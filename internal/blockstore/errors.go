// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blockstore

import (
	"io"
	"os"
	"syscall"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// toVolError translates an OS or database level error to a core.Error.
func toVolError(err error) core.Error {
	if err == nil {
		return core.NoError
	}

	if e, ok := core.VolError(err); ok {
		return e
	}

	switch pe := err.(type) {
	case *os.PathError:
		err = pe.Err
	case *os.SyscallError:
		err = pe.Err
	case *os.LinkError:
		err = pe.Err
	}

	switch err {
	case syscall.ENOSPC, syscall.EDQUOT:
		return core.ErrCapacityExceeded
	case syscall.EIO, syscall.EROFS:
		return core.ErrIOFault
	case io.EOF, io.ErrUnexpectedEOF:
		// Short read of the sparse file, can only mean it was truncated behind our back.
		return core.ErrCorruptData
	case bolt.ErrDatabaseNotOpen, os.ErrClosed:
		return core.ErrStoreClosed
	case bolt.ErrTimeout:
		return core.ErrTooBusy
	default:
		log.Errorf("assuming unknown error %+v is an I/O fault", err)
		return core.ErrIOFault
	}
}
