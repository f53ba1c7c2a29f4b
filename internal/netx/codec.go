package netx

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// length-prefixed JSON framing for stream transports: [u32 len][json bytes]

const maxFrameSize = 10 * 1024 * 1024

// hello is the first frame on every stream connection: it binds the socket
// to a transport id and advertises a dialable listen address.
type hello struct {
	ID         string `json:"id"`
	ListenAddr string `json:"listenAddr,omitempty"`
}

func encodeFrame(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(b))); err != nil {
		return nil, err
	}
	if _, err := buf.Write(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readFrame(r *bufio.Reader, dst any) error {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return err
	}
	if n > maxFrameSize {
		return fmt.Errorf("frame too large: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}
