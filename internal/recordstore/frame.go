package recordstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// frameHeaderSize is [length:4][crc32:4], both little-endian.
const frameHeaderSize = 8

// encodeFrame wraps payload as [length][crc32][payload].
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// decodeFrame validates a frame and returns its payload.
func decodeFrame(data []byte) ([]byte, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("short frame: %d bytes", len(data))
	}
	length := binary.LittleEndian.Uint32(data[0:4])
	sum := binary.LittleEndian.Uint32(data[4:8])

	if uint64(len(data)-frameHeaderSize) < uint64(length) {
		return nil, fmt.Errorf("truncated frame: want %d payload bytes, have %d", length, len(data)-frameHeaderSize)
	}
	payload := data[frameHeaderSize : frameHeaderSize+int(length)]
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, fmt.Errorf("crc mismatch: stored %08x, computed %08x", sum, got)
	}
	return payload, nil
}
