package pool

import (
	"github.com/pkg/errors"
	"go.dedis.ch/protobuf"
)

// record is the fixed two field payload of round markers, status replies
// and retirement notices.
type record struct {
	Epoch  uint64
	Status int32
}

// maskRecord carries a mask broadcast, one status code per rank.
type maskRecord struct {
	Epoch    uint64
	Statuses []byte
}

func encodeRecord(epoch uint64, s Status) ([]byte, error) {
	return protobuf.Encode(&record{Epoch: epoch, Status: int32(s)})
}

func decodeRecord(buf []byte) (uint64, Status, error) {
	var r record
	if err := protobuf.Decode(buf, &r); err != nil {
		return 0, Ready, errors.Wrap(err, "decoding status record")
	}
	s := Status(r.Status)
	if int32(s) != r.Status || !s.valid() {
		return 0, Ready, errors.Errorf("unknown status code %d", r.Status)
	}
	return r.Epoch, s, nil
}

func encodeMask(epoch uint64, m Mask) ([]byte, error) {
	codes := make([]byte, len(m))
	for i, s := range m {
		codes[i] = byte(s)
	}
	return protobuf.Encode(&maskRecord{Epoch: epoch, Statuses: codes})
}

func decodeMask(buf []byte, size int) (uint64, Mask, error) {
	var r maskRecord
	if err := protobuf.Decode(buf, &r); err != nil {
		return 0, nil, errors.Wrap(err, "decoding mask record")
	}
	if len(r.Statuses) != size {
		return 0, nil, errors.Errorf("mask of %d entries for a group of %d", len(r.Statuses), size)
	}
	m := make(Mask, size)
	for i, c := range r.Statuses {
		s := Status(c)
		if !s.valid() {
			return 0, nil, errors.Errorf("unknown status code %d for rank %d", c, i)
		}
		m[i] = s
	}
	return r.Epoch, m, nil
}
