// Package keys implements the bijective byte-key encoding shared by the
// cluster-membership, live-query-registry and notification-queue
// components, following the layout in original_source/lib/src/key/{hb,
// table/lq}.rs byte-for-byte:
//
//	Node registry:      /!nd<UUID>
//	Heartbeat:           /!hb<ts-be><UUID>
//	Node->LiveQuery:     /!nd<UUID>!lq<ns>\0<db>\0<lq-UUID>
//	Table->LiveQuery:    /*<ns>\0*<db>\0*<tb>\0!lq<lq-UUID>
//	Persisted notif.:    /*<ns>\0*<db>\0*<tb>\0!nt<lq-UUID><ts-be><not-UUID>
//
// Every encoder has a matching decoder so that decode(encode(x)) == x, and
// Prefix/Suffix helpers bound half-open range scans ending in \x00/\xff.
package keys

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedKey = errors.New("keys: malformed key")

const (
	sl = '/'
	bg = '*'
	bn = '!'
)

func putUUID(buf []byte, id uuid.UUID) []byte {
	return append(buf, id[:]...)
}

func putStr0(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0x00)
}

// tsToBE renders t as a big-endian fixed-width (8-byte) millisecond
// timestamp so that byte ordering matches numeric ordering.
func tsToBE(t time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(t.UnixMilli()))
	return b[:]
}

func beToTS(b []byte) time.Time {
	ms := binary.BigEndian.Uint64(b)
	return time.UnixMilli(int64(ms)).UTC()
}

// ---- Node registry: /!nd<UUID> ----

func EncodeNode(id uuid.UUID) []byte {
	buf := make([]byte, 0, 2+16)
	buf = append(buf, sl, bn, 'n', 'd')
	buf = putUUID(buf, id)
	return buf
}

func DecodeNode(k []byte) (uuid.UUID, error) {
	const want = 4 + 16
	if len(k) != want || k[0] != sl || k[1] != bn || k[2] != 'n' || k[3] != 'd' {
		return uuid.UUID{}, ErrMalformedKey
	}
	var id uuid.UUID
	copy(id[:], k[4:])
	return id, nil
}

// NodePrefix/NodeSuffix bound a scan enumerating every registered node.
func NodePrefix() []byte { return []byte{sl, bn, 'n', 'd', 0x00} }
func NodeSuffix() []byte { return []byte{sl, bn, 'n', 'd', 0xff} }

// ---- Heartbeat: /!hb<ts-be><UUID> ----

func EncodeHeartbeat(ts time.Time, node uuid.UUID) []byte {
	buf := make([]byte, 0, 4+8+16)
	buf = append(buf, sl, bn, 'h', 'b')
	buf = append(buf, tsToBE(ts)...)
	buf = putUUID(buf, node)
	return buf
}

func DecodeHeartbeat(k []byte) (ts time.Time, node uuid.UUID, err error) {
	const want = 4 + 8 + 16
	if len(k) != want || k[0] != sl || k[1] != bn || k[2] != 'h' || k[3] != 'b' {
		return time.Time{}, uuid.UUID{}, ErrMalformedKey
	}
	ts = beToTS(k[4:12])
	copy(node[:], k[12:])
	return ts, node, nil
}

func HeartbeatPrefix() []byte { return []byte{sl, bn, 'h', 'b', 0x00} }
func HeartbeatSuffix() []byte { return []byte{sl, bn, 'h', 'b', 0xff} }

// HeartbeatBefore returns the half-open range [prefix, boundary) where
// boundary is the encoded heartbeat key for the given cutoff timestamp at
// the nil node id; together with HeartbeatPrefix this enumerates every
// heartbeat strictly older than cutoff, in timestamp order.
func HeartbeatBefore(cutoff time.Time) (lo, hi []byte) {
	return HeartbeatPrefix(), EncodeHeartbeat(cutoff, uuid.Nil)
}

// ---- Node -> LiveQuery: /!nd<UUID>!lq<ns>\0<db>\0<lq-UUID> ----

func EncodeNodeLQ(node uuid.UUID, ns, db string, lq uuid.UUID) []byte {
	buf := make([]byte, 0, 4+16+3+len(ns)+1+len(db)+1+16)
	buf = append(buf, sl, bn, 'n', 'd')
	buf = putUUID(buf, node)
	buf = append(buf, bn, 'l', 'q')
	buf = putStr0(buf, ns)
	buf = putStr0(buf, db)
	buf = putUUID(buf, lq)
	return buf
}

func DecodeNodeLQ(k []byte) (node uuid.UUID, ns, db string, lq uuid.UUID, err error) {
	if len(k) < 4+16+3 || k[0] != sl || k[1] != bn || k[2] != 'n' || k[3] != 'd' {
		return uuid.UUID{}, "", "", uuid.UUID{}, ErrMalformedKey
	}
	copy(node[:], k[4:20])
	rest := k[20:]
	if len(rest) < 3 || rest[0] != bn || rest[1] != 'l' || rest[2] != 'q' {
		return uuid.UUID{}, "", "", uuid.UUID{}, ErrMalformedKey
	}
	rest = rest[3:]
	nsEnd := indexByte(rest, 0x00)
	if nsEnd < 0 {
		return uuid.UUID{}, "", "", uuid.UUID{}, ErrMalformedKey
	}
	ns = string(rest[:nsEnd])
	rest = rest[nsEnd+1:]
	dbEnd := indexByte(rest, 0x00)
	if dbEnd < 0 {
		return uuid.UUID{}, "", "", uuid.UUID{}, ErrMalformedKey
	}
	db = string(rest[:dbEnd])
	rest = rest[dbEnd+1:]
	if len(rest) != 16 {
		return uuid.UUID{}, "", "", uuid.UUID{}, ErrMalformedKey
	}
	copy(lq[:], rest)
	return node, ns, db, lq, nil
}

// NodeLQPrefix/Suffix bound a scan of every live query owned by node.
func NodeLQPrefix(node uuid.UUID) []byte {
	buf := make([]byte, 0, 4+16+4)
	buf = append(buf, sl, bn, 'n', 'd')
	buf = putUUID(buf, node)
	return append(buf, bn, 'l', 'q', 0x00)
}

func NodeLQSuffix(node uuid.UUID) []byte {
	buf := make([]byte, 0, 4+16+4)
	buf = append(buf, sl, bn, 'n', 'd')
	buf = putUUID(buf, node)
	return append(buf, bn, 'l', 'q', 0xff)
}

// ---- Table -> LiveQuery: /*<ns>\0*<db>\0*<tb>\0!lq<lq-UUID> ----

func tablePrefixBytes(ns, db, tb string) []byte {
	buf := make([]byte, 0, 1+1+len(ns)+1+1+len(db)+1+1+len(tb)+1)
	buf = append(buf, sl, bg)
	buf = putStr0(buf, ns)
	buf = append(buf, bg)
	buf = putStr0(buf, db)
	buf = append(buf, bg)
	buf = putStr0(buf, tb)
	return buf
}

func EncodeTableLQ(ns, db, tb string, lq uuid.UUID) []byte {
	buf := tablePrefixBytes(ns, db, tb)
	buf = append(buf, bn, 'l', 'q')
	buf = putUUID(buf, lq)
	return buf
}

func DecodeTableLQ(k []byte) (ns, db, tb string, lq uuid.UUID, err error) {
	ns, db, tb, rest, err := decodeTablePrefix(k)
	if err != nil {
		return "", "", "", uuid.UUID{}, err
	}
	if len(rest) != 3+16 || rest[0] != bn || rest[1] != 'l' || rest[2] != 'q' {
		return "", "", "", uuid.UUID{}, ErrMalformedKey
	}
	copy(lq[:], rest[3:])
	return ns, db, tb, lq, nil
}

func TableLQPrefix(ns, db, tb string) []byte {
	return append(tablePrefixBytes(ns, db, tb), bn, 'l', 'q', 0x00)
}

func TableLQSuffix(ns, db, tb string) []byte {
	return append(tablePrefixBytes(ns, db, tb), bn, 'l', 'q', 0xff)
}

// ---- Persisted notification: /*<ns>\0*<db>\0*<tb>\0!nt<lq-UUID><ts-be><not-UUID> ----

func EncodeNotification(ns, db, tb string, lq uuid.UUID, ts time.Time, notID uuid.UUID) []byte {
	buf := tablePrefixBytes(ns, db, tb)
	buf = append(buf, bn, 'n', 't')
	buf = putUUID(buf, lq)
	buf = append(buf, tsToBE(ts)...)
	buf = putUUID(buf, notID)
	return buf
}

func DecodeNotification(k []byte) (ns, db, tb string, lq uuid.UUID, ts time.Time, notID uuid.UUID, err error) {
	ns, db, tb, rest, err := decodeTablePrefix(k)
	if err != nil {
		return "", "", "", uuid.UUID{}, time.Time{}, uuid.UUID{}, err
	}
	const want = 3 + 16 + 8 + 16
	if len(rest) != want || rest[0] != bn || rest[1] != 'n' || rest[2] != 't' {
		return "", "", "", uuid.UUID{}, time.Time{}, uuid.UUID{}, ErrMalformedKey
	}
	copy(lq[:], rest[3:19])
	ts = beToTS(rest[19:27])
	copy(notID[:], rest[27:43])
	return ns, db, tb, lq, ts, notID, nil
}

// NotificationPrefix/Suffix bound a scan of every persisted notification
// for a single (ns, db, tb, lq) in timestamp order.
func NotificationPrefix(ns, db, tb string, lq uuid.UUID) []byte {
	buf := tablePrefixBytes(ns, db, tb)
	buf = append(buf, bn, 'n', 't')
	buf = putUUID(buf, lq)
	return append(buf, 0x00)
}

func NotificationSuffix(ns, db, tb string, lq uuid.UUID) []byte {
	buf := tablePrefixBytes(ns, db, tb)
	buf = append(buf, bn, 'n', 't')
	buf = putUUID(buf, lq)
	return append(buf, 0xff)
}

// TableAllPrefix/Suffix bound the entire (ns, db, tb) keyspace, spanning
// both the Table->LiveQuery rows and the persisted-notification rows.
func TableAllPrefix(ns, db, tb string) []byte {
	return append(tablePrefixBytes(ns, db, tb), 0x00)
}

func TableAllSuffix(ns, db, tb string) []byte {
	return append(tablePrefixBytes(ns, db, tb), 0xff)
}

// nsdbPrefixBytes bounds every table under a single (ns, db), used when the
// table a live query lives under is not known up front (e.g. KILL by id
// alone).
func nsdbPrefixBytes(ns, db string) []byte {
	buf := make([]byte, 0, 1+1+len(ns)+1+1+len(db)+1)
	buf = append(buf, sl, bg)
	buf = putStr0(buf, ns)
	buf = append(buf, bg)
	buf = putStr0(buf, db)
	return buf
}

func NSDBPrefix(ns, db string) []byte { return nsdbPrefixBytes(ns, db) }
func NSDBSuffix(ns, db string) []byte { return append(nsdbPrefixBytes(ns, db), 0xff) }

func decodeTablePrefix(k []byte) (ns, db, tb string, rest []byte, err error) {
	if len(k) < 2 || k[0] != sl || k[1] != bg {
		return "", "", "", nil, ErrMalformedKey
	}
	r := k[2:]
	nsEnd := indexByte(r, 0x00)
	if nsEnd < 0 {
		return "", "", "", nil, ErrMalformedKey
	}
	ns = string(r[:nsEnd])
	r = r[nsEnd+1:]
	if len(r) < 1 || r[0] != bg {
		return "", "", "", nil, ErrMalformedKey
	}
	r = r[1:]
	dbEnd := indexByte(r, 0x00)
	if dbEnd < 0 {
		return "", "", "", nil, ErrMalformedKey
	}
	db = string(r[:dbEnd])
	r = r[dbEnd+1:]
	if len(r) < 1 || r[0] != bg {
		return "", "", "", nil, ErrMalformedKey
	}
	r = r[1:]
	tbEnd := indexByte(r, 0x00)
	if tbEnd < 0 {
		return "", "", "", nil, ErrMalformedKey
	}
	tb = string(r[:tbEnd])
	rest = r[tbEnd+1:]
	return ns, db, tb, rest, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
