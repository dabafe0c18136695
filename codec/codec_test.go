package codec

import (
	"bytes"
	"strings"
	"testing"
)

type account struct {
	Owner    string            `json:"owner" cbor:"owner" msgpack:"owner"`
	Lamports uint64            `json:"lamports" cbor:"lamports" msgpack:"lamports"`
	Labels   map[string]string `json:"labels" cbor:"labels" msgpack:"labels"`
}

func sample() account {
	return account{
		Owner:    "Tokenkeg",
		Lamports: 2039280,
		Labels:   map[string]string{"z": "1", "a": "2", "m": "3"},
	}
}

// Change detection compares encoded bytes, so repeated encodes must match.
func TestCodecsAreDeterministic(t *testing.T) {
	codecs := map[string]Codec[account]{
		"json":    JSON[account]{},
		"cbor":    MustCBOR[account](),
		"msgpack": Msgpack[account]{},
	}
	for name, c := range codecs {
		first, err := c.Encode(sample())
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		for i := 0; i < 20; i++ {
			again, _ := c.Encode(sample())
			if !bytes.Equal(first, again) {
				t.Fatalf("%s: encoding not deterministic", name)
			}
		}
		got, err := c.Decode(first)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if got.Owner != "Tokenkeg" || got.Lamports != 2039280 || got.Labels["m"] != "3" {
			t.Fatalf("%s: decoded %+v", name, got)
		}
	}
}

func TestLimitCodec(t *testing.T) {
	c := LimitCodec[string]{Inner: String{}, MaxDecode: 4}
	if _, err := c.Decode([]byte("12345")); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected size error, got %v", err)
	}
	if v, err := c.Decode([]byte("1234")); err != nil || v != "1234" {
		t.Fatalf("unexpected %q %v", v, err)
	}
}

func TestBytesDecodeCopies(t *testing.T) {
	src := []byte("abc")
	out, _ := Bytes{}.Decode(src)
	src[0] = 'X'
	if out[0] != 'a' {
		t.Fatalf("Decode must not alias its input")
	}
}
