package validation

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"go.uber.org/zap/zapcore"
)

// Status is the state of an authorization record.
type Status string

const (
	StatusPending Status = "pending"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
)

func (s Status) known() bool {
	switch s {
	case StatusPending, StatusValid, StatusInvalid, StatusExpired:
		return true
	}
	return false
}

// Record is the authorization record of an address.
//
// ValidationWindow is persisted as the configured window. Records handed
// out by the Pool carry the remaining window instead.
type Record struct {
	Address          string `json:"address"`
	Message          string `json:"message"`
	RequestTimeStamp int64  `json:"requestTimeStamp"`
	ValidationWindow uint64 `json:"validationWindow"`
	Status           Status `json:"messageSignature"`
}

// NewRecord creates a pending record for address issued at the given time.
func NewRecord(address string, issuedAt time.Time, window time.Duration, tag string) *Record {
	ts := issuedAt.Unix()
	return &Record{
		Address:          address,
		Message:          Challenge(address, ts, tag),
		RequestTimeStamp: ts,
		ValidationWindow: uint64(window / time.Second),
		Status:           StatusPending,
	}
}

// Challenge returns the message an address must sign.
func Challenge(address string, issuedAt int64, tag string) string {
	return address + ":" + strconv.FormatInt(issuedAt, 10) + ":" + tag
}

func (r *Record) deadline() time.Time {
	return time.Unix(r.RequestTimeStamp, 0).Add(time.Duration(r.ValidationWindow) * time.Second)
}

// Elapsed reports whether the window of the record is over at now.
func (r *Record) Elapsed(now time.Time) bool {
	return !now.Before(r.deadline())
}

// Remaining returns the whole seconds left in the window. It is never
// negative and never exceeds the window.
func (r *Record) Remaining(now time.Time) uint64 {
	left := r.deadline().Sub(now)
	switch {
	case left <= 0:
		return 0
	case uint64(left/time.Second) > r.ValidationWindow:
		return r.ValidationWindow
	}
	return uint64(left / time.Second)
}

// withRemaining returns a copy of the record carrying the remaining window.
func (r *Record) withRemaining(now time.Time) *Record {
	c := *r
	c.ValidationWindow = r.Remaining(now)
	return &c
}

// implement zap.ObjectMarshaler interface.
func (r *Record) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("address", r.Address)
	enc.AddInt64("issued_at", r.RequestTimeStamp)
	enc.AddUint64("window", r.ValidationWindow)
	enc.AddString("status", string(r.Status))
	return nil
}

func encodeRecord(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, r); err != nil {
		return nil, fmt.Errorf("serializing record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	r := &Record{}
	n, err := xdr.Unmarshal(bytes.NewReader(data), r)
	if err != nil {
		return nil, fmt.Errorf("deserializing record: %w", err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("deserializing record: %d trailing bytes", len(data)-n)
	}
	if !r.Status.known() {
		return nil, fmt.Errorf("deserializing record: unknown status %q", r.Status)
	}
	return r, nil
}
