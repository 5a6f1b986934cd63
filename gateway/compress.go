package gateway

import (
	"bytes"
	"compress/zlib"
	"io"
)

// flushSuffix marks a Z_SYNC_FLUSH boundary: one complete payload per
// suffix on a zlib-stream connection.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// zlibReader inflates a transport-compressed connection. The zlib stream
// spans the whole connection, so the inflater is created once and fed
// frame by frame.
type zlibReader struct {
	src bytes.Buffer
	zr  io.ReadCloser
	out bytes.Buffer
}

// decompress appends a binary frame to the stream and, when the frame
// completes a payload, returns the inflated bytes. A nil result with nil
// error means the payload is still partial.
func (z *zlibReader) decompress(frame []byte) ([]byte, error) {
	z.src.Write(frame)
	if len(frame) < len(flushSuffix) || !bytes.HasSuffix(frame, flushSuffix) {
		return nil, nil
	}

	if z.zr == nil {
		zr, err := zlib.NewReader(&z.src)
		if err != nil {
			return nil, err
		}
		z.zr = zr
	}

	z.out.Reset()
	_, err := z.out.ReadFrom(z.zr)
	// The inflater runs dry at the flush boundary; that is the end of this
	// payload, not a stream error.
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return append([]byte(nil), z.out.Bytes()...), nil
}
