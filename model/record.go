package model

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

/*
record layout:
	length(4, big endian) | payload(length-4)
the length counts its own 4 bytes, so an empty payload is a 4 byte record
*/

// PrefixSize is the size of the length prefix in front of every record
const PrefixSize = 4

// MaxRecordSize is the biggest record the uint32 prefix can describe
const MaxRecordSize = math.MaxUint32

var (
	ErrShortRecord  = errors.New("record shorter than its length prefix")
	ErrBadPrefix    = errors.New("record length prefix does not match index entry")
	ErrRecordTooBig = errors.New("record exceeds the maximum record size")
)

// IndexEntry locates one live record in the log
type IndexEntry struct {
	Offset       uint64    // where the record starts in the log
	Length       uint32    // full record size, prefix included
	Tag          string    // type tag of the payload
	LastModified time.Time // time of the write that produced the record
}

// End is the first byte after the record
func (e IndexEntry) End() uint64 {
	return e.Offset + uint64(e.Length)
}

// EncodeRecord returns prefix + payload
func EncodeRecord(payload []byte) ([]byte, error) {
	size := uint64(len(payload)) + PrefixSize
	if size > MaxRecordSize {
		return nil, ErrRecordTooBig
	}
	data := make([]byte, size)
	binary.BigEndian.PutUint32(data[:PrefixSize], uint32(size))
	copy(data[PrefixSize:], payload)
	return data, nil
}

// DecodeLength reads the length prefix of a record
func DecodeLength(data []byte) (uint32, error) {
	if len(data) < PrefixSize {
		return 0, ErrShortRecord
	}
	return binary.BigEndian.Uint32(data[:PrefixSize]), nil
}

// DecodeRecord checks that data is one whole record of the expected length
// and returns its payload
func DecodeRecord(data []byte, expected uint32) ([]byte, error) {
	length, err := DecodeLength(data)
	if err != nil {
		return nil, err
	}
	if length != expected || length < PrefixSize {
		return nil, ErrBadPrefix
	}
	if uint32(len(data)) < length {
		return nil, ErrShortRecord
	}
	return data[PrefixSize:length], nil
}
