package comm

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Message frames are zstd-compressed JSON.
// Task values dominate frame sizes and often compress well.

// EncodeFrame serializes and compresses a message body.
func EncodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeFrame decompresses and deserializes a message body.
func DecodeFrame(data []byte, v any) error {
	reader, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer reader.Close()

	plain, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	return json.Unmarshal(plain, v)
}
