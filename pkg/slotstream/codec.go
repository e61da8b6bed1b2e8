package slotstream

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Commitment is the Geyser commitment level.
type Commitment int32

const (
	CommitmentProcessed Commitment = 0
	CommitmentConfirmed Commitment = 1
	CommitmentFinalized Commitment = 2
)

// String returns the commitment name.
func (c Commitment) String() string {
	switch c {
	case CommitmentProcessed:
		return "processed"
	case CommitmentConfirmed:
		return "confirmed"
	case CommitmentFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("Commitment(%d)", int32(c))
	}
}

// SlotStatus is the status carried by a slot update.
type SlotStatus int32

const (
	SlotProcessed          SlotStatus = 0
	SlotConfirmed          SlotStatus = 1
	SlotFinalized          SlotStatus = 2
	SlotFirstShredReceived SlotStatus = 3
	SlotCompleted          SlotStatus = 4
	SlotCreatedBank        SlotStatus = 5
	SlotDead               SlotStatus = 6
)

// SlotUpdate is one slot notification.
type SlotUpdate struct {
	Slot       uint64
	Parent     uint64 // 0 when not reported
	Status     SlotStatus
	ReceivedAt time.Time
}

// Field numbers of the Yellowstone geyser.proto messages used here.
const (
	// SubscribeRequest
	fieldReqSlots      protowire.Number = 2
	fieldReqCommitment protowire.Number = 6
	fieldReqPing       protowire.Number = 9

	// map<string, V> entries
	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2

	// SubscribeRequestFilterSlots
	fieldFilterByCommitment protowire.Number = 1

	// SubscribeRequestPing, SubscribeUpdatePong
	fieldPingID protowire.Number = 1

	// SubscribeUpdate
	fieldUpdateFilters protowire.Number = 1
	fieldUpdateSlot    protowire.Number = 3
	fieldUpdatePing    protowire.Number = 6
	fieldUpdatePong    protowire.Number = 9

	// SubscribeUpdateSlot
	fieldSlotSlot   protowire.Number = 1
	fieldSlotParent protowire.Number = 2
	fieldSlotStatus protowire.Number = 3
)

// slotsFilterName is the filter key of the slot subscription.
const slotsFilterName = "slots"

// rawMessage carries pre-encoded protobuf bytes through gRPC.
type rawMessage struct {
	data []byte
}

// rawCodec passes rawMessage bytes through unchanged. It registers under
// the "proto" name so the content-type on the wire is application/grpc+proto.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	return m.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	m.data = append(m.data[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// encodeSubscribeRequest builds a SubscribeRequest with a single slot filter.
func encodeSubscribeRequest(commitment Commitment) []byte {
	var filter []byte
	filter = protowire.AppendTag(filter, fieldFilterByCommitment, protowire.VarintType)
	filter = protowire.AppendVarint(filter, 0)

	var entry []byte
	entry = protowire.AppendTag(entry, fieldMapKey, protowire.BytesType)
	entry = protowire.AppendString(entry, slotsFilterName)
	entry = protowire.AppendTag(entry, fieldMapValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, filter)

	var b []byte
	b = protowire.AppendTag(b, fieldReqSlots, protowire.BytesType)
	b = protowire.AppendBytes(b, entry)
	b = protowire.AppendTag(b, fieldReqCommitment, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(commitment))
	return b
}

// encodePing builds a SubscribeRequest carrying only a ping.
func encodePing(id int32) []byte {
	var ping []byte
	ping = protowire.AppendTag(ping, fieldPingID, protowire.VarintType)
	ping = protowire.AppendVarint(ping, uint64(uint32(id)))

	var b []byte
	b = protowire.AppendTag(b, fieldReqPing, protowire.BytesType)
	return protowire.AppendBytes(b, ping)
}

// update is the subset of SubscribeUpdate the stream consumes.
type update struct {
	slot *SlotUpdate
	ping bool
	pong bool
}

func decodeUpdate(b []byte) (update, error) {
	var u update
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return u, fmt.Errorf("decode update tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldUpdateSlot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return u, fmt.Errorf("decode slot update: %w", protowire.ParseError(n))
			}
			s, err := decodeSlot(v)
			if err != nil {
				return u, err
			}
			u.slot = &s
			b = b[n:]
		case num == fieldUpdatePing && typ == protowire.BytesType:
			u.ping = true
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, fmt.Errorf("decode ping: %w", protowire.ParseError(n))
			}
			b = b[n:]
		case num == fieldUpdatePong && typ == protowire.BytesType:
			u.pong = true
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, fmt.Errorf("decode pong: %w", protowire.ParseError(n))
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return u, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return u, nil
}

func decodeSlot(b []byte) (SlotUpdate, error) {
	var s SlotUpdate
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return s, fmt.Errorf("decode slot tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ == protowire.VarintType && (num == fieldSlotSlot || num == fieldSlotParent || num == fieldSlotStatus) {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return s, fmt.Errorf("decode slot field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldSlotSlot:
				s.Slot = v
			case fieldSlotParent:
				s.Parent = v
			case fieldSlotStatus:
				s.Status = SlotStatus(int32(v))
			}
			b = b[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return s, fmt.Errorf("skip slot field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return s, nil
}
