package keydir

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cqkv/cqstore/model"
	"github.com/cqkv/cqstore/utils"
)

/*
index file, one line per live key in ascending key order:
	key|offset|length|tag|lastModified(RFC3339Nano, UTC)
*/

const sidecarFields = 5

var ErrMalformedLine = errors.New("malformed index line")

// WriteSidecar writes every entry of it to w in the index file format
func WriteSidecar(w io.Writer, it Iterator) error {
	bw := bufio.NewWriter(w)
	for it.Rewind(); it.Valid(); it.Next() {
		if _, err := bw.WriteString(FormatLine(it.Key(), it.Value())); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// FormatLine renders one index line without its trailing newline
func FormatLine(key string, e model.IndexEntry) string {
	return strings.Join([]string{
		key,
		strconv.FormatUint(e.Offset, 10),
		strconv.FormatUint(uint64(e.Length), 10),
		e.Tag,
		e.LastModified.UTC().Format(time.RFC3339Nano),
	}, utils.FieldSeparator)
}

// ParseLine is the inverse of FormatLine
func ParseLine(line string) (string, model.IndexEntry, error) {
	fields := strings.Split(line, utils.FieldSeparator)
	if len(fields) != sidecarFields {
		return "", model.IndexEntry{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformedLine, sidecarFields, len(fields))
	}
	key := fields[0]
	if err := utils.ValidateKey(key); err != nil {
		return "", model.IndexEntry{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	offset, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", model.IndexEntry{}, fmt.Errorf("%w: offset: %v", ErrMalformedLine, err)
	}
	length, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return "", model.IndexEntry{}, fmt.Errorf("%w: length: %v", ErrMalformedLine, err)
	}
	if length < model.PrefixSize {
		return "", model.IndexEntry{}, fmt.Errorf("%w: length %d below prefix size", ErrMalformedLine, length)
	}
	modified, err := time.Parse(time.RFC3339Nano, fields[4])
	if err != nil {
		return "", model.IndexEntry{}, fmt.Errorf("%w: last modified: %v", ErrMalformedLine, err)
	}
	return key, model.IndexEntry{
		Offset:       offset,
		Length:       uint32(length),
		Tag:          fields[3],
		LastModified: modified,
	}, nil
}

// ReadSidecar calls fn for every line of r; blank lines are skipped
func ReadSidecar(r io.Reader, fn func(key string, e model.IndexEntry) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lineNo int
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, entry, err := ParseLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err = fn(key, entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// SaveSidecar rewrites the index file at path through path+suffix and a rename
func SaveSidecar(path, suffix string, it Iterator) error {
	tmpPath := path + suffix
	if err := writeSidecarFile(tmpPath, it); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// WriteSidecarFile writes a complete index file at path and fsyncs it
func WriteSidecarFile(path string, it Iterator) error {
	if err := writeSidecarFile(path, it); err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func writeSidecarFile(path string, it Iterator) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if err = WriteSidecar(f, it); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LoadSidecar reads the index file at path into kd
func LoadSidecar(path string, kd Keydir) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return ReadSidecar(f, func(key string, e model.IndexEntry) error {
		kd.Put(key, e)
		return nil
	})
}
