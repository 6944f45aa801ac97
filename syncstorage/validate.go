package syncstorage

import (
	"regexp"
	"unicode/utf8"
)

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,32}$`)

const (
	maxUserIDLength = 255
	maxIDLength     = 64
	maxSortIndex    = 999_999_999
	maxTTL          = 999_999_999
)

// Limits bounds the size of client writes.
type Limits struct {
	MaxRecordPayloadBytes int64
	MaxPostRecords        int
	MaxPostBytes          int64
	MaxTotalRecords       int
	MaxTotalBytes         int64
}

var DefaultLimits = Limits{
	MaxRecordPayloadBytes: 2 << 20,
	MaxPostRecords:        100,
	MaxPostBytes:          2 << 20,
	MaxTotalRecords:       10_000,
	MaxTotalBytes:         100 << 20,
}

func validateUser(userID string) error {
	if userID == "" || len(userID) > maxUserIDLength || !utf8.ValidString(userID) {
		return newError(KindInvalidRequest, "invalid user id")
	}
	return nil
}

func validateCollection(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return newError(KindInvalidRequest, "invalid collection name %q", name)
	}
	return nil
}

// validateID accepts 1 to 64 printable ASCII characters other than slash.
func validateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return newError(KindInvalidRequest, "invalid record id %q", id)
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x20 || c > 0x7e || c == '/' {
			return newError(KindInvalidRequest, "invalid record id %q", id)
		}
	}
	return nil
}

func (l Limits) validateInput(in BSOInput) error {
	if err := validateID(in.ID); err != nil {
		return err
	}
	if in.Payload != nil && l.MaxRecordPayloadBytes > 0 && int64(len(*in.Payload)) > l.MaxRecordPayloadBytes {
		return &Error{Kind: KindPayloadTooLarge, Limit: l.MaxRecordPayloadBytes}
	}
	if in.SortIndex != nil && (*in.SortIndex > maxSortIndex || *in.SortIndex < -maxSortIndex) {
		return newError(KindInvalidRequest, "sortindex of %s out of range", in.ID)
	}
	if in.TTL != nil && (*in.TTL < 0 || *in.TTL > maxTTL) {
		return newError(KindInvalidRequest, "ttl of %s out of range", in.ID)
	}
	return nil
}

// validatePost checks one request worth of inputs and returns their payload
// bytes.
func (l Limits) validatePost(inputs []BSOInput) (int64, error) {
	if l.MaxPostRecords > 0 && len(inputs) > l.MaxPostRecords {
		return 0, newError(KindInvalidRequest, "%d records exceed the limit of %d", len(inputs), l.MaxPostRecords)
	}
	var size int64
	for _, in := range inputs {
		if err := l.validateInput(in); err != nil {
			return 0, err
		}
		if in.Payload != nil {
			size += int64(len(*in.Payload))
		}
	}
	if l.MaxPostBytes > 0 && size > l.MaxPostBytes {
		return 0, &Error{Kind: KindPayloadTooLarge, Limit: l.MaxPostBytes}
	}
	return size, nil
}
