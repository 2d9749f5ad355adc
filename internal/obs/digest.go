package obs

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

// Digest hashes a set of observations in agent id order. Identical encoder
// inputs always produce the same digest.
func Digest(out map[string]Observation) string {
	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	var tmp [8]byte
	writeFloats := func(fs []float64) {
		binary.LittleEndian.PutUint64(tmp[:], uint64(len(fs)))
		h.Write(tmp[:])
		for _, f := range fs {
			binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(f))
			h.Write(tmp[:])
		}
	}
	for _, id := range ids {
		o := out[id]
		h.Write([]byte(id))
		h.Write([]byte{0})
		writeFloats(o.Self.RawVector().Data)
		rows, _ := o.Context.Dims()
		for r := 0; r < rows; r++ {
			writeFloats(o.Context.RawRowView(r))
		}
		for _, m := range o.Mask {
			if m {
				h.Write([]byte{1})
			} else {
				h.Write([]byte{0})
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
