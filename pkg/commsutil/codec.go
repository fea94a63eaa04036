package commsutil

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const codecLogPrefix = "commsutil:codec"

// Content types accepted on invocation transports.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("commsutil: CBOR encoder initialization failed: " + err.Error())
	}
	// interface{} targets decode to map[string]interface{} so decoded params
	// have the same shape as JSON ones.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic("commsutil: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EncodeCBOR serializes a value with core deterministic CBOR encoding.
// Struct fields without cbor tags use their json tags.
func EncodeCBOR(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// DecodeCBOR deserializes CBOR bytes into the given target.
func DecodeCBOR(data []byte, v interface{}) error {
	return cborDec.Unmarshal(data, v)
}

// Codec pairs a content type with its encoder and decoder.
type Codec struct {
	ContentType string
	Encode      func(v interface{}) ([]byte, error)
	Decode      func(data []byte, v interface{}) error
}

// JSON is the default codec.
var JSON = Codec{ContentType: ContentTypeJSON, Encode: EncodePayload, Decode: DecodePayload}

// CBOR is the binary codec.
var CBOR = Codec{ContentType: ContentTypeCBOR, Encode: EncodeCBOR, Decode: DecodeCBOR}

// CodecFor selects a codec from a Content-Type or Accept header value. An
// empty header selects JSON; an unsupported media type is an error.
func CodecFor(contentType string) (Codec, error) {
	if contentType == "" {
		return JSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return JSON, fmt.Errorf("%s - invalid content type %q: %w", codecLogPrefix, contentType, err)
	}
	switch mediaType {
	case ContentTypeJSON, "text/json", "*/*":
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	}
	return JSON, fmt.Errorf("%s - unsupported content type %q", codecLogPrefix, mediaType)
}
