// Package payload converts pipeline values into the byte payloads carried by the
// substrate and back.
//
// Encode is total: every value has a byte representation. Bytes pass through,
// text is UTF-8, numbers and booleans become their canonical decimal or boolean
// text, and structured values become JSON.
package payload

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind classifies an encoded payload.
type Kind int

const (
	// Binary payloads are opaque bytes.
	Binary Kind = iota
	// Text payloads are UTF-8 text.
	Text
	// Structured payloads are UTF-8 JSON.
	Structured
)

// Default encoding tags per kind.
const (
	EncodingBytes  = "zenoh/bytes"
	EncodingString = "zenoh/string"
	EncodingJSON   = "application/json"
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	case Structured:
		return "structured"
	default:
		return "unknown"
	}
}

// Encoding returns the default encoding tag for the kind.
func (k Kind) Encoding() string {
	switch k {
	case Text:
		return EncodingString
	case Structured:
		return EncodingJSON
	default:
		return EncodingBytes
	}
}

// KindOf infers the kind of a payload from its encoding tag. Unknown tags are Binary.
func KindOf(encoding string) Kind {
	enc := strings.ToLower(strings.TrimSpace(encoding))
	if i := strings.IndexByte(enc, ';'); i >= 0 {
		enc = enc[:i]
	}
	switch {
	case enc == EncodingJSON, enc == "text/json", enc == "zenoh/json", strings.HasSuffix(enc, "+json"):
		return Structured
	case enc == EncodingString, strings.HasPrefix(enc, "text/"):
		return Text
	default:
		return Binary
	}
}

var (
	bytesType  = reflect.TypeOf([]byte(nil))
	stringerTy = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

// Encode returns the byte representation of v and its kind.
func Encode(v any) ([]byte, Kind) {
	switch x := v.(type) {
	case nil:
		return []byte{}, Binary
	case []byte:
		return x, Binary
	case json.RawMessage:
		return []byte(x), Structured
	case string:
		return []byte(x), Text
	case bool:
		return []byte(strconv.FormatBool(x)), Text
	case int:
		return []byte(strconv.FormatInt(int64(x), 10)), Text
	case int8:
		return []byte(strconv.FormatInt(int64(x), 10)), Text
	case int16:
		return []byte(strconv.FormatInt(int64(x), 10)), Text
	case int32:
		return []byte(strconv.FormatInt(int64(x), 10)), Text
	case int64:
		return []byte(strconv.FormatInt(x, 10)), Text
	case uint:
		return []byte(strconv.FormatUint(uint64(x), 10)), Text
	case uint8:
		return []byte(strconv.FormatUint(uint64(x), 10)), Text
	case uint16:
		return []byte(strconv.FormatUint(uint64(x), 10)), Text
	case uint32:
		return []byte(strconv.FormatUint(uint64(x), 10)), Text
	case uint64:
		return []byte(strconv.FormatUint(x, 10)), Text
	case float32:
		return []byte(strconv.FormatFloat(float64(x), 'f', -1, 32)), Text
	case float64:
		return []byte(strconv.FormatFloat(x, 'f', -1, 64)), Text
	case json.Number:
		return []byte(x.String()), Text
	case error:
		return []byte(x.Error()), Text
	case fmt.Stringer:
		return []byte(x.String()), Text
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return []byte{}, Binary
		}
		rv = rv.Elem()
	}
	if rv.Type() == bytesType {
		return rv.Bytes(), Binary
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprint(v)), Text
		}
		return data, Structured
	case reflect.String:
		return []byte(rv.String()), Text
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Encode(rv.Interface())
	}
	if rv.Type().Implements(stringerTy) {
		return []byte(rv.Interface().(fmt.Stringer).String()), Text
	}
	return []byte(fmt.Sprint(v)), Text
}

// Decode returns a copy of an encoded payload. Decoding is only defined for the byte
// representation: Decode(Encode(v)) equals the bytes of Encode(v).
func Decode(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// AsText interprets data as UTF-8 text.
func AsText(data []byte) string {
	return string(data)
}

// Unmarshal decodes a JSON payload into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Value converts received bytes into the most natural pipeline value for the encoding:
// JSON for structured payloads, a string for valid UTF-8 text, raw bytes otherwise.
func Value(data []byte, encoding string) any {
	switch KindOf(encoding) {
	case Structured:
		if json.Valid(data) {
			return json.RawMessage(Decode(data))
		}
		return AsText(data)
	case Text:
		if utf8.Valid(data) {
			return AsText(data)
		}
	}
	return Decode(data)
}
