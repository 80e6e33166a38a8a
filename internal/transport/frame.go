package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sheerbytes/peerdrop/pkg/protocol"
)

// Chunk frames carry FILE_CHUNK payloads as binary data channel messages:
//
//	[1 byte kind][1 byte id length][id][8 byte offset BE][8 byte size BE][data]
//
// Every other message type travels as a JSON text message.
const (
	frameKindChunk  byte = 0x01
	frameHeaderBase      = 1 + 1 + 8 + 8
)

var errBadFrame = errors.New("bad chunk frame")

// AppendChunkFrame appends the binary encoding of c to dst.
func AppendChunkFrame(dst []byte, c *protocol.FileChunk) ([]byte, error) {
	if len(c.TransferID) == 0 || len(c.TransferID) > 255 {
		return nil, fmt.Errorf("%w: transfer id length %d", errBadFrame, len(c.TransferID))
	}
	if c.File.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", errBadFrame)
	}
	dst = append(dst, frameKindChunk, byte(len(c.TransferID)))
	dst = append(dst, c.TransferID...)
	dst = binary.BigEndian.AppendUint64(dst, uint64(c.File.Offset))
	dst = binary.BigEndian.AppendUint64(dst, uint64(c.File.Size))
	dst = append(dst, c.File.Data...)
	return dst, nil
}

// ChunkFrameSize is the encoded size of c.
func ChunkFrameSize(c *protocol.FileChunk) int {
	return frameHeaderBase + len(c.TransferID) + len(c.File.Data)
}

// ParseChunkFrame decodes a binary chunk frame. The returned chunk's Data
// aliases frame.
func ParseChunkFrame(frame []byte) (*protocol.FileChunk, error) {
	if len(frame) < frameHeaderBase {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", errBadFrame, len(frame))
	}
	if frame[0] != frameKindChunk {
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", errBadFrame, frame[0])
	}
	idLen := int(frame[1])
	if idLen == 0 || len(frame) < frameHeaderBase+idLen {
		return nil, fmt.Errorf("%w: bad id length %d", errBadFrame, idLen)
	}
	p := 2
	id := string(frame[p : p+idLen])
	p += idLen
	offset := binary.BigEndian.Uint64(frame[p:])
	p += 8
	size := binary.BigEndian.Uint64(frame[p:])
	p += 8
	if offset > 1<<62 || size > 1<<62 {
		return nil, fmt.Errorf("%w: offset or size out of range", errBadFrame)
	}
	return &protocol.FileChunk{
		TransferID: id,
		File: protocol.ChunkInfo{
			Offset: int64(offset),
			Size:   int64(size),
			Data:   protocol.Bytes(frame[p:]),
		},
	}, nil
}
