package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// Digest hashes the full content of the catalog (tick included). Two states
// with the same digest encode to identical tensors.
func (s *GameState) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	writeU64(h, &tmp, s.Tick)
	writeVec(h, &tmp, s.Ball.Pos)
	writeVec(h, &tmp, s.Ball.Vel)
	writeVec(h, &tmp, s.Ball.AngVel)

	writeU64(h, &tmp, uint64(len(s.Cars)))
	for i := range s.Cars {
		c := &s.Cars[i]
		h.Write([]byte(c.AgentID))
		h.Write([]byte{0, byte(c.Team), boolByte(c.OnGround), boolByte(c.HasJumped), boolByte(c.HasDoubleJumped), boolByte(c.HasFlipped)})
		writeU64(h, &tmp, uint64(c.CarID))
		writeVec(h, &tmp, c.Pos)
		writeVec(h, &tmp, c.Rot.Forward)
		writeVec(h, &tmp, c.Rot.Right)
		writeVec(h, &tmp, c.Rot.Up)
		writeVec(h, &tmp, c.Vel)
		writeVec(h, &tmp, c.AngVel)
		writeF64(h, &tmp, c.Boost)
		writeF64(h, &tmp, c.DemoRespawnTimer)
	}

	writeU64(h, &tmp, uint64(len(s.Pads)))
	for _, p := range s.Pads {
		writeVec(h, &tmp, p.Pos)
		writeF64(h, &tmp, p.Cooldown)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeF64(h hashWriter, tmp *[8]byte, v float64) {
	writeU64(h, tmp, math.Float64bits(v))
}

func writeVec(h hashWriter, tmp *[8]byte, v r3.Vec) {
	writeF64(h, tmp, v.X)
	writeF64(h, tmp, v.Y)
	writeF64(h, tmp, v.Z)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
