package codec

import "encoding/json"

// JSON uses encoding/json. Map keys are sorted by the encoder, so output is deterministic.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
