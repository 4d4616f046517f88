package room

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"tetherbound.gg/internal/sim/spatial"
)

// stateDigest hashes everything the room is authoritative for: the roster
// with poses and tether readouts, the ownership table, and the emission
// counters. Two rooms fed the same inputs digest identically tick for tick.
func (r *Room) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	putF := func(f float64) { put(math.Float64bits(f)) }
	putT := func(t spatial.Transform) {
		putF(t.Pos.X)
		putF(t.Pos.Y)
		putF(t.Pos.Z)
		putF(t.Yaw)
	}

	put(nowTick)
	put(r.applySeq)
	put(r.nextPeer.Load())

	for _, id := range r.sortedPeerIDs() {
		p := r.peers[id]
		put(uint64(int64(id)))
		h.Write([]byte(p.Name))
		h.Write([]byte{boolByte(p.Connected)})
		putT(p.Pose)
		put(p.PoseSeq)
		put(p.LastSeenTick)
		put(uint64(int64(p.Tether.PartnerID)))
		putF(p.Tether.Distance)
		putF(p.Tether.Proximity)
		putF(p.Tether.Sanity)
		putF(p.Tether.Fx)
		putF(p.Tether.OverHardSec)
		putF(p.Tether.CooldownSec)
	}

	for _, rec := range r.props.Snapshot() {
		h.Write([]byte(rec.Key))
		h.Write([]byte(rec.SourcePath))
		put(uint64(int64(rec.Holder)))
		h.Write([]byte(rec.Mount))
		putT(rec.LastPose)
	}

	return hex.EncodeToString(h.Sum(nil))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
