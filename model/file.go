package model

import (
	"io"

	"github.com/cqkv/cqstore/fio"
)

// LogFile is the append-only record log, seen through one IOManager
type LogFile struct {
	Path        string
	WriteOffset int64 // size of the log, next record goes here
	WriteTimes  int64
	IoManager   fio.IOManager
}

func OpenLogFile(path string, ioManager fio.IOManager) (*LogFile, error) {
	size, err := ioManager.Size()
	if err != nil {
		return nil, err
	}
	return &LogFile{
		Path:        path,
		WriteOffset: size,
		IoManager:   ioManager,
	}, nil
}

func (lf *LogFile) Sync() error {
	return lf.IoManager.Sync()
}

func (lf *LogFile) Close() error {
	return lf.IoManager.Close()
}

// Write binary data into file. WriteOffset follows the bytes that reached
// the file, also when the write fails part way.
func (lf *LogFile) Write(data []byte) error {
	size, err := lf.IoManager.Write(data)
	lf.WriteOffset += int64(size)
	if err != nil {
		return err
	}
	lf.WriteTimes++
	return nil
}

// Append writes one record and returns the offset it starts at and its
// full length
func (lf *LogFile) Append(payload []byte) (uint64, uint32, error) {
	data, err := EncodeRecord(payload)
	if err != nil {
		return 0, 0, err
	}
	offset := lf.WriteOffset
	if err = lf.Write(data); err != nil {
		return 0, 0, err
	}
	return uint64(offset), uint32(len(data)), nil
}

// ReadRecord returns the raw bytes of the record at off, prefix included
func (lf *LogFile) ReadRecord(off uint64, length uint32) ([]byte, error) {
	if int64(off)+int64(length) > lf.WriteOffset {
		return nil, io.ErrUnexpectedEOF
	}
	return lf.readNBytes(int64(off), int64(length))
}

// ReadPayload reads the record described by entry and returns its payload
func (lf *LogFile) ReadPayload(entry IndexEntry) ([]byte, error) {
	data, err := lf.ReadRecord(entry.Offset, entry.Length)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data, entry.Length)
}

func (lf *LogFile) readNBytes(offset, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := lf.IoManager.Read(buf, offset)
	if err != nil && !(err == io.EOF && int64(read) == n) {
		return nil, err
	}
	return buf, nil
}
