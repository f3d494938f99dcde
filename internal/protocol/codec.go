package protocol

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic Encoding
// (RFC 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical message always produces
// identical bytes, which keeps retransmitted frames byte-comparable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and silently ignores unknown fields so old
// peers tolerate new message fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the single frame type on the wire: a kind tag and the
// CBOR-encoded body for that kind.
type Envelope struct {
	Kind string          `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes envelopes to a stream. Safe for use by one goroutine;
// connections serialize writes through a mutex at the session layer.
type Encoder struct {
	enc *cbor.Encoder
}

// NewEncoder returns an Encoder writing CBOR envelopes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: encMode.NewEncoder(w)}
}

// Encode wraps body in an envelope of the given kind and writes it.
func (e *Encoder) Encode(kind string, body any) error {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return fmt.Errorf("protocol: encode %s body: %w", kind, err)
	}
	if err := e.enc.Encode(Envelope{Kind: kind, Body: raw}); err != nil {
		return fmt.Errorf("protocol: write %s: %w", kind, err)
	}
	return nil
}

// Decoder reads envelopes from a stream.
type Decoder struct {
	dec *cbor.Decoder
}

// NewDecoder returns a Decoder reading CBOR envelopes from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: decMode.NewDecoder(r)}
}

// Decode reads the next envelope. io.EOF is returned as-is so callers can
// distinguish a clean close from a protocol violation.
func (d *Decoder) Decode() (*Envelope, error) {
	var env Envelope
	if err := d.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("protocol: envelope missing kind")
	}
	return &env, nil
}

// DecodeBody decodes an envelope's body into v, reporting the kind on error
// so connection logs identify the offending frame.
func (env *Envelope) DecodeBody(v any) error {
	if err := decMode.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", env.Kind, err)
	}
	return nil
}
