// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Special pid and cpu values for Open.
const (
	// CallingThread configures the event to sample the calling thread.
	CallingThread = 0

	// AllThreads configures the event to sample all threads on the
	// specified CPU.
	AllThreads = -1

	// AnyCPU configures the event to sample on any CPU.
	AnyCPU = -1
)

// DefaultRingPages is the number of data pages mapped for each ring
// buffer, excluding the metadata page. It must be a power of two.
const DefaultRingPages = 128

// Event states.
const (
	eventStateUninitialized = 0
	eventStateOK            = 1
	eventStateClosed        = 2
)

// Event is an open sampling event and its ring buffer.
type Event struct {
	// state is the state of the event. See eventState* constants.
	state int32

	// fd is the event file descriptor.
	fd int

	// attr is a clone of the attributes the Event was opened with.
	attr *Attr

	// ring is the (entire) memory mapped ring buffer.
	ring []byte

	// ringdata is the data region of the ring buffer.
	ringdata []byte

	// meta is the metadata page: &ring[0].
	meta *unix.PerfEventMmapPage

	// evfd is an event file descriptor (see eventfd(2)): it is used to
	// unblock calls to ppoll(2) on the perf fd.
	evfd int

	// pollreq and pollresp connect ReadRawRecord with the goroutine
	// polling the ring.
	pollreq  chan pollreq
	pollresp chan pollresp
}

// Open opens the event configured by attr for the given pid and cpu and
// maps a ring buffer of ringPages data pages. If ringPages is zero,
// DefaultRingPages is used.
func Open(attr *Attr, pid, cpu int, ringPages int) (*Event, error) {
	if ringPages <= 0 {
		ringPages = DefaultRingPages
	}
	fd, err := unix.PerfEventOpen(attr.sysAttr(), pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("perf_event_open", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setnonblock", err)
	}
	size := (1 + ringPages) * unix.Getpagesize()
	ring, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("mmap", err)
	}
	meta := (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0]))
	// Kernels before 4.1 leave data_offset and data_size unset.
	ringdata := ring[unix.Getpagesize():]
	if meta.Data_offset != 0 && meta.Data_size != 0 {
		ringdata = ring[meta.Data_offset : meta.Data_offset+meta.Data_size]
	}
	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Munmap(ring)
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	attrClone := new(Attr)
	*attrClone = *attr
	ev := &Event{
		state:    eventStateOK,
		fd:       fd,
		attr:     attrClone,
		ring:     ring,
		ringdata: ringdata,
		meta:     meta,
		evfd:     evfd,
		pollreq:  make(chan pollreq),
		pollresp: make(chan pollresp),
	}
	go ev.poll()
	return ev, nil
}

func (ev *Event) ok() error {
	if ev == nil {
		return os.ErrInvalid
	}
	switch atomic.LoadInt32(&ev.state) {
	case eventStateUninitialized:
		return os.ErrInvalid
	case eventStateOK:
		return nil
	default: // eventStateClosed
		return os.ErrClosed
	}
}

// Attr returns the attributes the event was opened with.
func (ev *Event) Attr() *Attr { return ev.attr }

// Enable enables the event.
func (ev *Event) Enable() error {
	if err := ev.ok(); err != nil {
		return err
	}
	return ioctlEnable(ev.fd)
}

// Disable disables the event.
func (ev *Event) Disable() error {
	if err := ev.ok(); err != nil {
		return err
	}
	return ioctlDisable(ev.fd)
}

// ReadRecord reads and decodes a record from the ring buffer. It blocks
// until a record is available or ctx is done.
//
// ReadRecord must not be called concurrently with itself, ReadRawRecord
// or Close.
func (ev *Event) ReadRecord(ctx context.Context) (Record, error) {
	var raw RawRecord
	if err := ev.ReadRawRecord(ctx, &raw); err != nil {
		return nil, err
	}
	return DecodeRecord(&raw, ev.attr), nil
}

// TryReadRecord reads and decodes a record if one is available, without
// blocking.
func (ev *Event) TryReadRecord() (Record, bool) {
	if ev.ok() != nil {
		return nil, false
	}
	var raw RawRecord
	if !ev.readRawRecordNonblock(&raw) {
		return nil, false
	}
	return DecodeRecord(&raw, ev.attr), true
}

// ReadRawRecord reads a raw record from the ring buffer into raw. The
// record body is copied into raw.Data, reusing its storage. It returns
// io.EOF once the monitored task has exited and the ring is empty.
func (ev *Event) ReadRawRecord(ctx context.Context, raw *RawRecord) error {
	if err := ev.ok(); err != nil {
		return err
	}
	// Fast path: try reading from the ring buffer first.
	if ev.readRawRecordNonblock(raw) {
		return nil
	}
	// If the context has a deadline, use it to compute a timeout for
	// ppoll(2). Otherwise, the timeout is zero, which means no timeout.
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	for {
		ev.pollreq <- pollreq{timeout: timeout}
		select {
		case <-ctx.Done():
			active := false
			err := ctx.Err()
			if err == context.Canceled {
				// Active wakeup: raise POLLIN on ev.evfd.
				val := uint64(1)
				buf := (*[8]byte)(unsafe.Pointer(&val))[:]
				unix.Write(ev.evfd, buf)
				active = true
			}
			<-ev.pollresp
			// doPoll never reads ev.evfd, so restore it to its
			// quiescent state here.
			if active {
				var buf [8]byte
				unix.Read(ev.evfd, buf[:])
			}
			return err
		case resp := <-ev.pollresp:
			if resp.err != nil {
				return resp.err
			}
			if resp.hangup && !resp.perfready {
				if ev.readRawRecordNonblock(raw) {
					return nil
				}
				return io.EOF
			}
			if !resp.perfready {
				// ppoll(2) timed out, so ctx is expiring.
				<-ctx.Done()
				return ctx.Err()
			}
			// POLLIN may be raised on wakeup watermarks without a
			// complete record, so poll again if nothing is there.
			if ev.readRawRecordNonblock(raw) {
				return nil
			}
		}
	}
}

// readRawRecordNonblock copies the next record into raw, if one is
// available, and then releases its space in the ring.
func (ev *Event) readRawRecordNonblock(raw *RawRecord) bool {
	head := atomic.LoadUint64(&ev.meta.Data_head)
	tail := atomic.LoadUint64(&ev.meta.Data_tail)
	if head == tail {
		return false
	}
	size := uint64(len(ev.ringdata))
	var hdr [recordHeaderSize]byte
	ev.copyOut(hdr[:], tail%size)
	raw.Header = decodeHeader(hdr[:])
	n := int(raw.Header.Size) - recordHeaderSize
	if n < 0 {
		n = 0
	}
	if cap(raw.Data) < n {
		raw.Data = make([]byte, n)
	}
	raw.Data = raw.Data[:n]
	ev.copyOut(raw.Data, (tail+recordHeaderSize)%size)
	// Release the record only once it has been copied out.
	atomic.StoreUint64(&ev.meta.Data_tail, tail+uint64(raw.Header.Size))
	return true
}

// copyOut copies len(dst) bytes starting at offset start of the data
// region, wrapping around the end of the ring.
func (ev *Event) copyOut(dst []byte, start uint64) {
	n := copy(dst, ev.ringdata[start:])
	copy(dst[n:], ev.ringdata)
}

// poll services requests from ev.pollreq and sends responses on ev.pollresp.
func (ev *Event) poll() {
	defer close(ev.pollresp)

	for req := range ev.pollreq {
		ev.pollresp <- ev.doPoll(req)
	}
}

// doPoll executes one round of polling on ev.fd and ev.evfd. A req.timeout
// value of zero is interpreted as "no timeout".
func (ev *Event) doPoll(req pollreq) pollresp {
	var systimeout *unix.Timespec
	if req.timeout > 0 {
		ts := unix.NsecToTimespec(req.timeout.Nanoseconds())
		systimeout = &ts
	}
	pollfds := []unix.PollFd{
		{Fd: int32(ev.fd), Events: unix.POLLIN},
		{Fd: int32(ev.evfd), Events: unix.POLLIN},
	}
	var err error
	for {
		_, err = unix.Ppoll(pollfds, systimeout, nil)
		if err != unix.EINTR {
			break
		}
	}
	return pollresp{
		perfready: pollfds[0].Revents&unix.POLLIN != 0,
		hangup:    pollfds[0].Revents&unix.POLLHUP != 0,
		err:       os.NewSyscallError("ppoll", err),
	}
}

type pollreq struct {
	// timeout is the timeout for ppoll(2): zero means no timeout
	timeout time.Duration
}

type pollresp struct {
	// perfready indicates if the perf fd is ready.
	perfready bool

	// hangup indicates that the monitored task exited.
	hangup bool

	// err is the *os.SyscallError from ppoll(2).
	err error
}

// Close unmaps the ring buffer of the event and closes its file
// descriptors.
func (ev *Event) Close() error {
	if err := ev.ok(); err != nil {
		return err
	}
	atomic.StoreInt32(&ev.state, eventStateClosed)
	close(ev.pollreq)
	<-ev.pollresp
	var result *multierror.Error
	if err := unix.Munmap(ev.ring); err != nil {
		result = multierror.Append(result, os.NewSyscallError("munmap", err))
	}
	if err := unix.Close(ev.evfd); err != nil {
		result = multierror.Append(result, os.NewSyscallError("close", err))
	}
	if err := unix.Close(ev.fd); err != nil {
		result = multierror.Append(result, os.NewSyscallError("close", err))
	}
	return result.ErrorOrNil()
}
