package decode

import (
	"bytes"
	"encoding/binary"
	"math"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// gammaThreshold is how close to 1 the combined exponent must be for the
// correction to be skipped.
const gammaThreshold = 0.05

// pngGamma scans the chunk stream up to the first IDAT for gAMA.
func pngGamma(data []byte) (float64, bool) {
	if !bytes.HasPrefix(data, pngSignature) {
		return 0, false
	}
	p := data[len(pngSignature):]
	for len(p) >= 12 {
		n := binary.BigEndian.Uint32(p[:4])
		typ := string(p[4:8])
		if uint64(n)+12 > uint64(len(p)) {
			return 0, false
		}
		switch typ {
		case "gAMA":
			if n != 4 {
				return 0, false
			}
			v := binary.BigEndian.Uint32(p[8:12])
			if v == 0 {
				return 0, false
			}
			return float64(v) / 100000, true
		case "IDAT", "IEND":
			return 0, false
		}
		p = p[12+n:]
	}
	return 0, false
}

// gammaTable builds the 8-bit lookup table mapping samples encoded at
// fileGamma to screenGamma. ok is false when the correction is a no-op.
func gammaTable(fileGamma, screenGamma float64) (lut [256]uint8, ok bool) {
	exp := 1 / (fileGamma * screenGamma)
	if math.Abs(exp-1) < gammaThreshold {
		return lut, false
	}
	for i := range lut {
		lut[i] = uint8(math.Floor(255*math.Pow(float64(i)/255, exp) + 0.5))
	}
	return lut, true
}
