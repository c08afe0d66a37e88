package protocol

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
)

// HeartbeatPayloadType is the payload type tag of a heartbeat push frame.
const HeartbeatPayloadType = "hb"

// Push frame field numbers.
const (
	fieldPushSeqID           = 1
	fieldPushLogID           = 2
	fieldPushService         = 3
	fieldPushMethod          = 4
	fieldPushPayloadEncoding = 6
	fieldPushPayloadType     = 7
	fieldPushPayload         = 8
)

// Response envelope field numbers.
const (
	fieldRespMessages          = 1
	fieldRespCursor            = 2
	fieldRespFetchInterval     = 3
	fieldRespNow               = 4
	fieldRespInternalExt       = 5
	fieldRespHeartbeatDuration = 8
	fieldRespNeedAck           = 9
)

// Sub-message field numbers.
const (
	fieldMsgMethod  = 1
	fieldMsgPayload = 2
	fieldMsgID      = 3
)

// PushFrame is the outer envelope of every upstream websocket message.
type PushFrame struct {
	SeqID           uint64
	LogID           uint64
	Service         uint64
	Method          uint64
	PayloadEncoding string
	PayloadType     string
	Payload         []byte
}

// Message is one typed sub-message of a response envelope.
type Message struct {
	Method  string
	Payload []byte
	MsgID   uint64
}

// Response is the inner envelope carried (possibly gzipped) in a push
// frame's payload.
type Response struct {
	Messages          []Message
	Cursor            string
	InternalExt       string
	HeartbeatDuration uint64
	NeedAck           bool
}

func malformed(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrMalformedFrame, what, err)
}

// walkFields iterates the top-level fields of a wire-encoded message,
// handing each field's raw value bytes to visit.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := visit(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func fieldVarint(v []byte) (uint64, error) {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return x, nil
}

func fieldBytes(v []byte) ([]byte, error) {
	b, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, protowire.ParseError(n)
	}
	return b, nil
}

// DecodePushFrame parses the outer envelope.
func DecodePushFrame(data []byte) (*PushFrame, error) {
	frame := &PushFrame{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldPushSeqID && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			frame.SeqID = x
			return err
		case num == fieldPushLogID && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			frame.LogID = x
			return err
		case num == fieldPushService && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			frame.Service = x
			return err
		case num == fieldPushMethod && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			frame.Method = x
			return err
		case num == fieldPushPayloadEncoding && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			frame.PayloadEncoding = string(b)
			return err
		case num == fieldPushPayloadType && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			frame.PayloadType = string(b)
			return err
		case num == fieldPushPayload && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			frame.Payload = b
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("push frame", err)
	}
	return frame, nil
}

// DecompressPayload inflates a gzip-framed payload. Input that is not
// gzip-framed, or that fails to inflate, is returned unchanged: payload
// compression is optional upstream, so failure here is format detection,
// not an error.
func DecompressPayload(payload []byte) []byte {
	if len(payload) < 2 || payload[0] != 0x1f || payload[1] != 0x8b {
		return payload
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return payload
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return payload
	}
	return out
}

// DecodeResponse parses the inner envelope.
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldRespMessages && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg, err := decodeMessage(b)
			if err != nil {
				return err
			}
			resp.Messages = append(resp.Messages, msg)
		case num == fieldRespCursor && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			resp.Cursor = string(b)
			return err
		case num == fieldRespInternalExt && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			resp.InternalExt = string(b)
			return err
		case num == fieldRespHeartbeatDuration && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			resp.HeartbeatDuration = x
			return err
		case num == fieldRespNeedAck && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			resp.NeedAck = x != 0
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("response envelope", err)
	}
	return resp, nil
}

func decodeMessage(data []byte) (Message, error) {
	var msg Message
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == fieldMsgMethod && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			msg.Method = string(b)
			return err
		case num == fieldMsgPayload && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			msg.Payload = b
			return err
		case num == fieldMsgID && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.MsgID = x
			return err
		}
		return nil
	})
	return msg, err
}

// EncodeAck builds the acknowledgement frame for a received push frame:
// the outer logid is echoed and the payload type carries the inner
// envelope's internalExt token. This mirrors the upstream ack contract
// exactly; it is not a generic ack format.
func EncodeAck(logID uint64, internalExt string) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPushLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, logID)
	b = protowire.AppendTag(b, fieldPushPayloadType, protowire.BytesType)
	b = protowire.AppendString(b, internalExt)
	return b
}

// EncodeHeartbeat builds the "hb" frame sent as a protocol-level ping.
func EncodeHeartbeat() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPushPayloadType, protowire.BytesType)
	b = protowire.AppendString(b, HeartbeatPayloadType)
	return b
}
