package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ByteArray 在 JSON 中编码为数字数组，例如 [1,2,255]，而不是 base64 字符串。
type ByteArray []byte

// MarshalJSON 实现 json.Marshaler。
func (b ByteArray) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON 接受数字或数字字符串组成的数组。
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	out := make([]byte, len(items))
	for i, item := range items {
		text := string(bytes.Trim(bytes.TrimSpace(item), `"`))
		v, err := strconv.ParseUint(text, 10, 8)
		if err != nil {
			return fmt.Errorf("byte array element %d: %w", i, err)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
