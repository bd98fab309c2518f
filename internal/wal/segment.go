package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// frame header: type (1) + payload length (4) + crc32 of payload (4)
const headerSize = 9

// maxPayload guards replay against a corrupt length field
const maxPayload = 256 * 1024 * 1024

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// segment represents a single WAL segment file
type segment struct {
	id     uint64
	path   string
	file   *os.File
	writer *bufio.Writer
	size   int64

	// batch records written to this segment that are not done yet
	live map[uint64]struct{}
}

// frame is one decoded record read back from a segment
type frame struct {
	typ     recordType
	payload []byte
}

func createSegment(id uint64, path string) (*segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	return &segment{
		id:     id,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		live:   make(map[uint64]struct{}),
	}, nil
}

// writeFrame appends one framed payload to the segment
func (s *segment) writeFrame(typ recordType, payload []byte) (int, error) {
	if s.writer == nil {
		return 0, errors.New("cannot write to read-only segment")
	}

	var header [headerSize]byte
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[5:9], crc32.Checksum(payload, crcTable))

	if _, err := s.writer.Write(header[:]); err != nil {
		return 0, fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := s.writer.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write frame payload: %w", err)
	}

	n := headerSize + len(payload)
	s.size += int64(n)
	return n, nil
}

// sync flushes buffered writes to disk
func (s *segment) sync() error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

// seal flushes and closes the file; the segment stays readable by path only
func (s *segment) seal() error {
	if s.file == nil {
		return nil
	}
	err := s.sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	s.writer = nil
	return err
}

// readFrames decodes every complete frame of the segment at path. A torn or
// corrupt tail ends the read without error; torn reports whether that happened.
func readFrames(path string) (frames []frame, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open segment file: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, false, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return frames, true, nil
			}
			return frames, false, err
		}

		typ := recordType(header[0])
		length := binary.BigEndian.Uint32(header[1:5])
		sum := binary.BigEndian.Uint32(header[5:9])
		if (typ != typeBatch && typ != typeDone) || length > maxPayload {
			return frames, true, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return frames, true, nil
			}
			return frames, false, err
		}
		if crc32.Checksum(payload, crcTable) != sum {
			return frames, true, nil
		}

		frames = append(frames, frame{typ: typ, payload: payload})
	}
}
