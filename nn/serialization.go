package nn

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// StateDict maps tensor names to flat float32 data. In JSON each tensor is a
// base64 string of little-endian float32 values.
type StateDict map[string][]float32

// Clone returns a deep copy.
func (sd StateDict) Clone() StateDict {
	if sd == nil {
		return nil
	}
	out := make(StateDict, len(sd))
	for k, v := range sd {
		out[k] = append([]float32(nil), v...)
	}
	return out
}

func (sd StateDict) MarshalJSON() ([]byte, error) {
	enc := make(map[string]string, len(sd))
	for k, v := range sd {
		enc[k] = encodeFloat32Slice(v)
	}
	return json.Marshal(enc)
}

func (sd *StateDict) UnmarshalJSON(b []byte) error {
	var enc map[string]string
	if err := json.Unmarshal(b, &enc); err != nil {
		return err
	}
	out := make(StateDict, len(enc))
	for k, s := range enc {
		v, err := decodeFloat32Slice(s)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", k, err)
		}
		out[k] = v
	}
	*sd = out
	return nil
}

// encodeFloat32Slice encodes float32 slice to base64 bytes
func encodeFloat32Slice(data []float32) string {
	if len(data) == 0 {
		return ""
	}
	bytes := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(bytes[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(bytes)
}

// decodeFloat32Slice decodes base64 bytes to float32 slice
func decodeFloat32Slice(encoded string) ([]float32, error) {
	if encoded == "" {
		return []float32{}, nil
	}
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(bytes)%4 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a float32 array", len(bytes))
	}
	data := make([]float32, len(bytes)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(bytes[i*4:]))
	}
	return data, nil
}
