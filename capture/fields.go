// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import "encoding/binary"

// fields decodes the body of a record. Reads past the end of the body
// yield zero values.
type fields []byte

// uint64 decodes the next 64 bit field into v.
func (f *fields) uint64(v *uint64) {
	if len(*f) < 8 {
		*v = 0
		*f = nil
		return
	}
	*v = binary.NativeEndian.Uint64(*f)
	f.advance(8)
}

// uint64If decodes the next 64 bit field into v, if cond is true.
func (f *fields) uint64If(cond bool, v *uint64) {
	if cond {
		f.uint64(v)
	}
}

// uint32 decodes a pair of uint32s into a and b.
func (f *fields) uint32(a, b *uint32) {
	if len(*f) < 8 {
		*a, *b = 0, 0
		*f = nil
		return
	}
	*a = binary.NativeEndian.Uint32(*f)
	*b = binary.NativeEndian.Uint32((*f)[4:])
	f.advance(8)
}

// uint32If decodes a pair of uint32s into a and b, if cond is true.
func (f *fields) uint32If(cond bool, a, b *uint32) {
	if cond {
		f.uint32(a, b)
	}
}

// string decodes a null-terminated string into s. The kernel pads
// strings to a multiple of 8 bytes; the padding is skipped.
func (f *fields) string(s *string) {
	for i := 0; i < len(*f); i++ {
		if (*f)[i] == 0 {
			*s = string((*f)[:i])
			n := (i + 8) &^ 7
			if n > len(*f) {
				n = len(*f)
			}
			f.advance(n)
			return
		}
	}
	*s = string(*f)
	*f = nil
}

// id decodes the sample_id trailer of non-sample records.
func (f *fields) id(id *RecordID, a *Attr) {
	if !a.Options.SampleIDAll {
		return
	}
	f.uint32If(a.SampleFormat.Tid, &id.Pid, &id.Tid)
	f.uint64If(a.SampleFormat.Time, &id.Time)
	f.uint64If(a.SampleFormat.ID, &id.ID)
	f.uint64If(a.SampleFormat.StreamID, &id.StreamID)
	f.uint32If(a.SampleFormat.CPU, &id.CPU, &id.Res)
	f.uint64If(a.SampleFormat.Identifier, &id.Identifier)
}

// advance advances through the fields by n bytes.
func (f *fields) advance(n int) {
	*f = (*f)[n:]
}
