package brain

import (
	"bytes"
	"encoding/json"
)

// encodeRequest marshals req without HTML escaping, so commands such as
// `cat a > b` reach the Brain byte for byte.
func encodeRequest(req CommandRequest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
