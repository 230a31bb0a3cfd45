// Package dbkv implements the bit-exact database record codec (component
// D) and the ordered byte-keyed store it is persisted in.
package dbkv

import (
	"bytes"
	"encoding/binary"

	"github.com/webfinger/fpdetect/internal/ferrors"
	"github.com/webfinger/fpdetect/internal/graph"
)

// barrierByte separates the owner/depends-on u32 block from the depth
// byte block in a checksum record.
const barrierByte = 0xFF

// ChecksumRecord is the decoded value of one checksum-record entry.
type ChecksumRecord struct {
	Owner      graph.AVID
	DependsOn  []graph.AVID
	Depths     []uint8
}

// EncodeChecksumRecord lays out a checksum record exactly as spec.md §4.D.1
// describes: owner id, then each depends-on id, all big-endian u32s, then
// the 0xFF barrier byte, then the raw depth bytes.
func EncodeChecksumRecord(r ChecksumRecord) []byte {
	buf := make([]byte, 0, 4+4*len(r.DependsOn)+1+len(r.Depths))

	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(r.Owner))
	buf = append(buf, id[:]...)

	for _, d := range r.DependsOn {
		binary.BigEndian.PutUint32(id[:], uint32(d))
		buf = append(buf, id[:]...)
	}

	buf = append(buf, barrierByte)
	buf = append(buf, r.Depths...)
	return buf
}

// DecodeChecksumRecord parses the bytes spec.md §4.D.1 describes. The
// codec scans for the first byte equal to 0xFF at a 4-byte boundary
// relative to the start of value and treats everything before it as a
// sequence of big-endian u32s; the first is the owner, the rest are
// depends-on ids.
func DecodeChecksumRecord(value []byte) (ChecksumRecord, error) {
	barrier := -1
	for i := 0; i < len(value); i += 4 {
		if value[i] == barrierByte {
			barrier = i
			break
		}
	}
	if barrier == -1 {
		return ChecksumRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "checksum record missing barrier byte")
	}
	if barrier%4 != 0 {
		return ChecksumRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "checksum record integer block length %d not divisible by 4", barrier)
	}
	if barrier < 4 {
		return ChecksumRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "checksum record missing owner app-version id")
	}

	ids := make([]graph.AVID, 0, barrier/4)
	for i := 0; i < barrier; i += 4 {
		ids = append(ids, graph.AVID(binary.BigEndian.Uint32(value[i:i+4])))
	}

	return ChecksumRecord{
		Owner:     ids[0],
		DependsOn: ids[1:],
		Depths:    append([]uint8(nil), value[barrier+1:]...),
	}, nil
}

// AppVersionRecord is the decoded value of one app-version-record entry.
type AppVersionRecord struct {
	// Members holds every (app, version) pair coalesced into this group;
	// len(Members) > 1 only when they shared an identical final checksum
	// set after pruning.
	Members  []graph.AVKey
	Total    uint8
	Implies  []graph.AVID
}

// EncodeAppVersionRecord lays out an app-version record exactly as
// spec.md §4.D.2 describes: each (app, version) pair as two NUL-terminated
// UTF-8 strings, an extra NUL terminating the list, the total checksum
// count as one byte, then each implied id as a big-endian u32.
func EncodeAppVersionRecord(r AppVersionRecord) []byte {
	var buf bytes.Buffer
	for _, m := range r.Members {
		buf.WriteString(m.App)
		buf.WriteByte(0)
		buf.WriteString(m.Version)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	buf.WriteByte(r.Total)

	var id [4]byte
	for _, impl := range r.Implies {
		binary.BigEndian.PutUint32(id[:], uint32(impl))
		buf.Write(id[:])
	}
	return buf.Bytes()
}

// DecodeAppVersionRecord parses the bytes spec.md §4.D.2 describes,
// scanning for the double-NUL that terminates the (app, version) string
// list.
func DecodeAppVersionRecord(value []byte) (AppVersionRecord, error) {
	var stringEnds []int
	listEnd := -1
	prevWasZero := false

	for i, b := range value {
		if b == 0 {
			if prevWasZero {
				listEnd = i
				break
			}
			stringEnds = append(stringEnds, i)
			prevWasZero = true
		} else {
			prevWasZero = false
		}
	}
	if listEnd == -1 {
		return AppVersionRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "app-version record missing double-NUL list terminator")
	}
	if len(stringEnds)%2 != 0 {
		return AppVersionRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "app-version record has an odd number of NUL-terminated strings")
	}

	strs := make([]string, 0, len(stringEnds))
	prev := 0
	for _, end := range stringEnds {
		strs = append(strs, string(value[prev:end]))
		prev = end + 1
	}

	members := make([]graph.AVKey, 0, len(strs)/2)
	for i := 0; i < len(strs); i += 2 {
		members = append(members, graph.AVKey{App: strs[i], Version: strs[i+1]})
	}

	if listEnd+1 >= len(value) {
		return AppVersionRecord{}, ferrors.Wrap(ferrors.InvalidDatabase, "app-version record missing total byte")
	}
	total := value[listEnd+1]

	implies := make([]graph.AVID, 0)
	for i := listEnd + 2; i+4 <= len(value); i += 4 {
		implies = append(implies, graph.AVID(binary.BigEndian.Uint32(value[i:i+4])))
	}

	return AppVersionRecord{Members: members, Total: total, Implies: implies}, nil
}

// EncodeAVID renders id as the 4-byte big-endian key used for app-version
// records.
func EncodeAVID(id graph.AVID) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(id))
	return key[:]
}

// DecodeAVID parses a 4-byte big-endian app-version id key.
func DecodeAVID(key []byte) (graph.AVID, error) {
	if len(key) != 4 {
		return 0, ferrors.Wrap(ferrors.InvalidDatabase, "app-version key length %d, want 4", len(key))
	}
	return graph.AVID(binary.BigEndian.Uint32(key)), nil
}
