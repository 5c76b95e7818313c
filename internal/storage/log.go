// Package storage implements the durable, crash-safe representation of
// tree leaves, citizen records, registration requests and nullifier
// entries. Each entity lives in its own append-only log file: records are
// length-prefixed and checksummed so a crash mid-write leaves, at worst, a
// truncated tail that is discarded on the next load, never a partial
// record. Indexes are rebuilt from the logs on startup.
package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// errCorruptRecord is returned internally by readRecord when a record's
// checksum does not match; Load treats it as the recovery boundary and
// never surfaces it to callers.
var errCorruptRecord = errors.New("storage: corrupt record")

// appendLog is a single log-structured file: Append writes length-prefixed,
// CRC32-checksummed records; Load replays every well-formed record in
// order and stops at the first corrupt or truncated one.
type appendLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func openAppendLog(path string) (*appendLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: opening log %s: %w", path, err)
	}
	return &appendLog{path: path, file: f}, nil
}

// Append writes one record: uint32 length prefix, payload, uint32 CRC32
// over the payload. Returns once the write has been synced to disk.
func (l *appendLog) Append(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	checksum := crc32.ChecksumIEEE(payload)
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], checksum)

	if _, err := l.file.Write(header[:]); err != nil {
		return fmt.Errorf("storage: writing record header: %w", err)
	}
	if _, err := l.file.Write(payload); err != nil {
		return fmt.Errorf("storage: writing record payload: %w", err)
	}
	if _, err := l.file.Write(footer[:]); err != nil {
		return fmt.Errorf("storage: writing record checksum: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("storage: syncing log %s: %w", l.path, err)
	}
	return nil
}

// Load replays every well-formed record in the log, invoking fn with each
// payload in append order. A truncated or checksum-mismatched final record
// is silently discarded, the documented crash-recovery behaviour.
func Load(path string, fn func(payload []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: opening log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, errCorruptRecord) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("storage: reading log %s: %w", path, err)
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	var footer [4]byte
	if _, err := io.ReadFull(r, footer[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	want := binary.LittleEndian.Uint32(footer[:])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, errCorruptRecord
	}
	return payload, nil
}

func (l *appendLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// compact rewrites the log from scratch with exactly the records yielded by
// emit, fsyncs, then atomically renames over the original path. Used by
// Store.Compact; nothing in this repository calls Compact on a schedule,
// so logs are compacted only when a caller invokes it.
func compact(path string, emit func(w func([]byte) error) error) error {
	tmpPath := path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("storage: creating compaction file: %w", err)
	}

	writeRecord := func(payload []byte) error {
		var header [4]byte
		binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
		var footer [4]byte
		binary.LittleEndian.PutUint32(footer[:], crc32.ChecksumIEEE(payload))
		if _, err := tmp.Write(header[:]); err != nil {
			return err
		}
		if _, err := tmp.Write(payload); err != nil {
			return err
		}
		if _, err := tmp.Write(footer[:]); err != nil {
			return err
		}
		return nil
	}

	if err := emit(writeRecord); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("storage: writing compaction records: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: syncing compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: closing compaction file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("storage: renaming compacted log into place: %w", err)
	}
	return nil
}
