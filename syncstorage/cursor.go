package syncstorage

import (
	"encoding/base64"
	"encoding/json"

	"github.com/breez/sync-storage/store"
)

type token struct {
	Sort      store.Sorting `json:"s"`
	Modified  store.Stamp   `json:"m"`
	SortIndex *int64        `json:"i,omitempty"`
	ID        string        `json:"k"`
}

// encodeToken returns the opaque continuation token resuming after b.
func encodeToken(sorting store.Sorting, b store.BSO) string {
	data, _ := json.Marshal(token{Sort: sorting, Modified: b.Modified, SortIndex: b.SortIndex, ID: b.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(sorting store.Sorting, s string) (*store.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, newError(KindInvalidRequest, "malformed offset token")
	}
	var t token
	if err := json.Unmarshal(data, &t); err != nil || t.ID == "" {
		return nil, newError(KindInvalidRequest, "malformed offset token")
	}
	if t.Sort != sorting {
		return nil, newError(KindInvalidRequest, "offset token was issued for %v order", t.Sort)
	}
	return &store.Cursor{Modified: t.Modified, SortIndex: t.SortIndex, ID: t.ID}, nil
}
