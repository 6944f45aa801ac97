package bolt

import (
	"encoding/binary"
	"fmt"
)

var (
	bucketCollections     = []byte("collections")
	bucketCollectionNames = []byte("collection_names")
	bucketHeads           = []byte("heads")
	bucketBSOs            = []byte("bsos")
	bucketBSOsByExpiry    = []byte("bsos_by_expiry")
	bucketBatches         = []byte("batches")
	bucketBatchesByExpiry = []byte("batches_by_expiry")
	bucketBatchItems      = []byte("batch_items")
)

func putUint64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v))
}

func putString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

// userKey is the length prefixed user id. Every per user key starts with it
// so a user's rows form one contiguous range.
func userKey(userID string) []byte {
	return putString(make([]byte, 0, 2+len(userID)), userID)
}

func collectionKey(userID string, collectionID int64) []byte {
	return putUint64(userKey(userID), collectionID)
}

func bsoKey(userID string, collectionID int64, id string) []byte {
	return append(collectionKey(userID, collectionID), id...)
}

func batchKey(userID string, collectionID int64, batchID string) []byte {
	return putString(collectionKey(userID, collectionID), batchID)
}

func expiryKey(expiry int64, key []byte) []byte {
	return append(putUint64(make([]byte, 0, 8+len(key)), expiry), key...)
}

// parseBSOKey splits a bsos key back into its parts.
func parseBSOKey(key []byte) (userID string, collectionID int64, id string, err error) {
	if len(key) < 2 {
		return "", 0, "", fmt.Errorf("short key %x", key)
	}
	n := int(binary.BigEndian.Uint16(key))
	if len(key) < 2+n+8 {
		return "", 0, "", fmt.Errorf("short key %x", key)
	}
	userID = string(key[2 : 2+n])
	collectionID = int64(binary.BigEndian.Uint64(key[2+n:]))
	id = string(key[2+n+8:])
	return userID, collectionID, id, nil
}

func parseBatchKey(key []byte) (userID string, collectionID int64, batchID string, err error) {
	userID, collectionID, rest, err := parseBSOKey(key)
	if err != nil {
		return "", 0, "", err
	}
	if len(rest) < 2 {
		return "", 0, "", fmt.Errorf("short batch key %x", key)
	}
	return userID, collectionID, rest[2:], nil
}

type head struct {
	Modified int64
	Count    int64
	Bytes    int64
}

func (h head) encode() []byte {
	b := make([]byte, 0, 24)
	b = putUint64(b, h.Modified)
	b = putUint64(b, h.Count)
	return putUint64(b, h.Bytes)
}

func decodeHead(v []byte) (head, error) {
	if len(v) != 24 {
		return head{}, fmt.Errorf("invalid head value of %d bytes", len(v))
	}
	return head{
		Modified: int64(binary.BigEndian.Uint64(v)),
		Count:    int64(binary.BigEndian.Uint64(v[8:])),
		Bytes:    int64(binary.BigEndian.Uint64(v[16:])),
	}, nil
}

// batchMeta is the value of a batches entry.
type batchMeta struct {
	Expiry  int64
	Version int64
}

func (b batchMeta) encode() []byte {
	return putUint64(putUint64(make([]byte, 0, 16), b.Expiry), b.Version)
}

func decodeBatchMeta(v []byte) (batchMeta, error) {
	if len(v) != 16 {
		return batchMeta{}, fmt.Errorf("invalid batch value of %d bytes", len(v))
	}
	return batchMeta{
		Expiry:  int64(binary.BigEndian.Uint64(v)),
		Version: int64(binary.BigEndian.Uint64(v[8:])),
	}, nil
}
