package keys_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lqdb/lqdb/internal/keys"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestNodeRoundTrip(t *testing.T) {
	id := mustUUID(t, "2ea6d33f-4c0a-417a-ab04-1fa9869f9a65")
	enc := keys.EncodeNode(id)
	dec, err := keys.DecodeNode(enc)
	require.NoError(t, err)
	assert.Equal(t, id, dec)

	assert.True(t, bytesBetween(enc, keys.NodePrefix(), keys.NodeSuffix()))
}

func TestHeartbeatRoundTripAndOrdering(t *testing.T) {
	node := mustUUID(t, "da60fa34-902d-4110-b810-7d435267a9f8")
	ts := time.UnixMilli(123000).UTC()
	enc := keys.EncodeHeartbeat(ts, node)
	decTS, decNode, err := keys.DecodeHeartbeat(enc)
	require.NoError(t, err)
	assert.Equal(t, ts, decTS)
	assert.Equal(t, node, decNode)

	earlier := keys.EncodeHeartbeat(time.UnixMilli(1000).UTC(), node)
	later := keys.EncodeHeartbeat(time.UnixMilli(999000).UTC(), node)
	assert.True(t, string(earlier) < string(enc))
	assert.True(t, string(enc) < string(later))
}

func TestHeartbeatBeforeRange(t *testing.T) {
	node := mustUUID(t, "04da7d4c-0086-4358-8318-49f0bb168fa7")
	cutoff := time.UnixMilli(456000).UTC()
	lo, hi := keys.HeartbeatBefore(cutoff)

	expired := keys.EncodeHeartbeat(time.UnixMilli(123000).UTC(), node)
	notExpired := keys.EncodeHeartbeat(time.UnixMilli(456000).UTC(), node)

	assert.True(t, bytesBetween(expired, lo, hi))
	assert.False(t, bytesBetween(notExpired, lo, hi))
}

func TestNodeLQRoundTrip(t *testing.T) {
	node := mustUUID(t, "2ea6d33f-4c0a-417a-ab04-1fa9869f9a65")
	lq := mustUUID(t, "da60fa34-902d-4110-b810-7d435267a9f8")
	enc := keys.EncodeNodeLQ(node, "testns", "testdb", lq)
	dNode, ns, db, dLQ, err := keys.DecodeNodeLQ(enc)
	require.NoError(t, err)
	assert.Equal(t, node, dNode)
	assert.Equal(t, "testns", ns)
	assert.Equal(t, "testdb", db)
	assert.Equal(t, lq, dLQ)

	assert.True(t, bytesBetween(enc, keys.NodeLQPrefix(node), keys.NodeLQSuffix(node)))
}

func TestTableLQRoundTripAndExactBytes(t *testing.T) {
	lq := uuid.UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	enc := keys.EncodeTableLQ("testns", "testdb", "testtb", lq)
	assert.Equal(t, "/*testns\x00*testdb\x00*testtb\x00!lq\x01\x02\x03\x04\x05\x06\x07\x08\x09\x0a\x0b\x0c\x0d\x0e\x0f\x10", string(enc))

	ns, db, tb, dLQ, err := keys.DecodeTableLQ(enc)
	require.NoError(t, err)
	assert.Equal(t, "testns", ns)
	assert.Equal(t, "testdb", db)
	assert.Equal(t, "testtb", tb)
	assert.Equal(t, lq, dLQ)

	assert.Equal(t, []byte("/*testns\x00*testdb\x00*testtb\x00!lq\x00"), keys.TableLQPrefix("testns", "testdb", "testtb"))
	assert.Equal(t, []byte("/*testns\x00*testdb\x00*testtb\x00!lq\xff"), keys.TableLQSuffix("testns", "testdb", "testtb"))
	assert.True(t, bytesBetween(enc, keys.TableLQPrefix("testns", "testdb", "testtb"), keys.TableLQSuffix("testns", "testdb", "testtb")))
}

func TestNotificationRoundTrip(t *testing.T) {
	lq := mustUUID(t, "da60fa34-902d-4110-b810-7d435267a9f8")
	notID := mustUUID(t, "04da7d4c-0086-4358-8318-49f0bb168fa7")
	ts := time.UnixMilli(789000).UTC()
	enc := keys.EncodeNotification("ns", "db", "tb", lq, ts, notID)
	ns, db, tb, dLQ, dTS, dNot, err := keys.DecodeNotification(enc)
	require.NoError(t, err)
	assert.Equal(t, "ns", ns)
	assert.Equal(t, "db", db)
	assert.Equal(t, "tb", tb)
	assert.Equal(t, lq, dLQ)
	assert.Equal(t, ts, dTS)
	assert.Equal(t, notID, dNot)

	assert.True(t, bytesBetween(enc, keys.NotificationPrefix("ns", "db", "tb", lq), keys.NotificationSuffix("ns", "db", "tb", lq)))
	assert.True(t, bytesBetween(enc, keys.TableAllPrefix("ns", "db", "tb"), keys.TableAllSuffix("ns", "db", "tb")))
}

func TestNotificationOrderingByTimestamp(t *testing.T) {
	lq := uuid.New()
	earlier := keys.EncodeNotification("ns", "db", "tb", lq, time.UnixMilli(1000).UTC(), uuid.New())
	later := keys.EncodeNotification("ns", "db", "tb", lq, time.UnixMilli(2000).UTC(), uuid.New())
	assert.True(t, string(earlier) < string(later))
}

func bytesBetween(k, lo, hi []byte) bool {
	return string(k) >= string(lo) && string(k) < string(hi)
}
