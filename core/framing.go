package core

import (
	"errors"
	"io"

	msgio "github.com/libp2p/go-msgio"
)

// ErrOversizeMessage is returned when an inbound length prefix exceeds the
// configured maximum before any payload bytes are read.
var ErrOversizeMessage = errors.New("oversize-message")

// WriteFramed writes exactly one varint-length-prefixed message to w: the
// standard unsigned multi-byte encoding (seven data bits per byte, high bit
// as continuation) followed by the payload.
func WriteFramed(w io.Writer, payload []byte) error {
	writer := msgio.NewVarintWriter(w)
	return writer.WriteMsg(payload)
}

// ReadFramed reads exactly one varint-length-prefixed message from r,
// rejecting (without allocating a buffer for the body) any prefix above
// maxSize.
func ReadFramed(r io.Reader, maxSize int) ([]byte, error) {
	reader := msgio.NewVarintReaderSize(r, maxSize)
	msg, err := reader.ReadMsg()
	if err != nil {
		if errors.Is(err, msgio.ErrMsgTooLarge) {
			return nil, ErrOversizeMessage
		}
		return nil, err
	}
	out := append([]byte(nil), msg...)
	reader.ReleaseMsg(msg)
	return out, nil
}
