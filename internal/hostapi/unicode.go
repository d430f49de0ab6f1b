package hostapi

import (
	"golang.org/x/text/encoding/unicode"
)

// EncodeSymbolName marshals a kernel export name the way the real
// symbol_lookup(name) service expects it (spec §6: "resolve kernel symbol
// by Unicode name"): UTF-16LE, the wire encoding an NT UNICODE_STRING
// carries. Host implementations that cross a real driver boundary send
// these bytes; Fake encodes and immediately decodes to exercise the same
// marshaling path without an actual kernel underneath it.
func EncodeSymbolName(name string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	return enc.Bytes([]byte(name))
}

// DecodeSymbolName is EncodeSymbolName's inverse.
func DecodeSymbolName(utf16le []byte) (string, error) {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(utf16le)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
