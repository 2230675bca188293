package broker

import (
	"bytes"

	"github.com/go-stomp/stomp/v3/frame"
)

// Each websocket message carries exactly one STOMP frame.

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame returns a nil frame for a heart-beat.
func decodeFrame(data []byte) (*frame.Frame, error) {
	return frame.NewReader(bytes.NewReader(data)).Read()
}
