package media

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Encoding names accepted by DecodeSamples
const (
	EncodingMulaw   = "audio/x-mulaw"
	EncodingAlaw    = "audio/x-alaw"
	EncodingL16     = "audio/l16"
	DefaultEncoding = EncodingMulaw
)

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = g711.DecodeUlawFrame(uint8(i))
		aLawDecodeTable[i] = g711.DecodeAlawFrame(uint8(i))
	}
}

func normalizeEncoding(encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "audio/x-mulaw", "pcmu", "g711u", "g.711u", "mulaw", "ulaw":
		return EncodingMulaw
	case "audio/x-alaw", "pcma", "g711a", "g.711a", "alaw":
		return EncodingAlaw
	case "audio/l16", "l16", "linear16":
		return EncodingL16
	}
	return ""
}

// DecodeSamples converts an encoded payload into 16-bit linear PCM samples
func DecodeSamples(payload []byte, encoding string) ([]int16, error) {
	switch normalizeEncoding(encoding) {
	case EncodingMulaw:
		return expand(payload, &muLawDecodeTable), nil
	case EncodingAlaw:
		return expand(payload, &aLawDecodeTable), nil
	case EncodingL16:
		if len(payload)%2 != 0 {
			return nil, fmt.Errorf("odd length linear PCM payload: %d bytes", len(payload))
		}
		out := make([]int16, len(payload)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}

// SupportedEncoding reports whether DecodeSamples can handle the encoding
func SupportedEncoding(encoding string) bool {
	return normalizeEncoding(encoding) != ""
}

func expand(payload []byte, table *[256]int16) []int16 {
	if len(payload) == 0 {
		return nil
	}
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = table[b]
	}
	return out
}
