package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// JSON field names below preserve the upstream proto field names verbatim;
// downstream consumers match on them.

// User identifies the sender of a webcast message.
type User struct {
	ID        uint64 `json:"id,string,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	DisplayID string `json:"displayId,omitempty"`
}

// Common carries the header fields shared by every webcast message type.
type Common struct {
	Method     string `json:"method,omitempty"`
	MsgID      uint64 `json:"msgId,string,omitempty"`
	RoomID     uint64 `json:"roomId,string,omitempty"`
	CreateTime uint64 `json:"createTime,string,omitempty"`
	Describe   string `json:"describe,omitempty"`
}

// ChatMessage is a viewer comment.
type ChatMessage struct {
	Common  *Common `json:"common,omitempty"`
	User    *User   `json:"user,omitempty"`
	Content string  `json:"content,omitempty"`
}

// GiftStruct describes the gift attached to a GiftMessage.
type GiftStruct struct {
	Describe     string `json:"describe,omitempty"`
	ID           uint64 `json:"id,string,omitempty"`
	Combo        bool   `json:"combo,omitempty"`
	Type         uint64 `json:"type,string,omitempty"`
	DiamondCount uint64 `json:"diamondCount,omitempty"`
	Name         string `json:"name,omitempty"`
}

// GiftMessage is a gift sent to the host.
type GiftMessage struct {
	Common      *Common     `json:"common,omitempty"`
	GiftID      uint64      `json:"giftId,string,omitempty"`
	GroupCount  uint64      `json:"groupCount,string,omitempty"`
	RepeatCount uint64      `json:"repeatCount,string,omitempty"`
	ComboCount  uint64      `json:"comboCount,string,omitempty"`
	User        *User       `json:"user,omitempty"`
	RepeatEnd   uint64      `json:"repeatEnd,omitempty"`
	Gift        *GiftStruct `json:"gift,omitempty"`
}

// MemberMessage is a viewer joining the room.
type MemberMessage struct {
	Common      *Common `json:"common,omitempty"`
	User        *User   `json:"user,omitempty"`
	MemberCount uint64  `json:"memberCount,string,omitempty"`
	Action      uint64  `json:"action,string,omitempty"`
}

// SocialMessage is a follow or share event.
type SocialMessage struct {
	Common      *Common `json:"common,omitempty"`
	User        *User   `json:"user,omitempty"`
	ShareType   uint64  `json:"shareType,string,omitempty"`
	Action      uint64  `json:"action,string,omitempty"`
	FollowCount uint64  `json:"followCount,string,omitempty"`
}

// LinkMicFanTicketMethod is a fan-ticket update during co-hosting.
type LinkMicFanTicketMethod struct {
	Common    *Common `json:"common,omitempty"`
	FanTicket uint64  `json:"fanTicket,string,omitempty"`
}

func decodeUser(data []byte) (*User, error) {
	u := &User{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			u.ID = x
			return err
		case num == 3 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			u.Nickname = string(b)
			return err
		case num == 38 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			u.DisplayID = string(b)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeCommon(data []byte) (*Common, error) {
	c := &Common{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			c.Method = string(b)
			return err
		case num == 2 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			c.MsgID = x
			return err
		case num == 3 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			c.RoomID = x
			return err
		case num == 4 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			c.CreateTime = x
			return err
		case num == 7 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			c.Describe = string(b)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeGiftStruct(data []byte) (*GiftStruct, error) {
	g := &GiftStruct{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 2 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			g.Describe = string(b)
			return err
		case num == 5 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			g.ID = x
			return err
		case num == 10 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			g.Combo = x != 0
			return err
		case num == 11 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			g.Type = x
			return err
		case num == 12 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			g.DiamondCount = x
			return err
		case num == 16 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			g.Name = string(b)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DecodeChatMessage parses a WebcastChatMessage payload.
func DecodeChatMessage(data []byte) (*ChatMessage, error) {
	msg := &ChatMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Common, err = decodeCommon(b)
			return err
		case num == 2 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.User, err = decodeUser(b)
			return err
		case num == 3 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			msg.Content = string(b)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("chat message", err)
	}
	return msg, nil
}

// DecodeGiftMessage parses a WebcastGiftMessage payload.
func DecodeGiftMessage(data []byte) (*GiftMessage, error) {
	msg := &GiftMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Common, err = decodeCommon(b)
			return err
		case num == 2 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.GiftID = x
			return err
		case num == 4 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.GroupCount = x
			return err
		case num == 5 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.RepeatCount = x
			return err
		case num == 6 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.ComboCount = x
			return err
		case num == 7 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.User, err = decodeUser(b)
			return err
		case num == 9 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.RepeatEnd = x
			return err
		case num == 15 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Gift, err = decodeGiftStruct(b)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("gift message", err)
	}
	return msg, nil
}

// DecodeMemberMessage parses a WebcastMemberMessage payload.
func DecodeMemberMessage(data []byte) (*MemberMessage, error) {
	msg := &MemberMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Common, err = decodeCommon(b)
			return err
		case num == 2 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.User, err = decodeUser(b)
			return err
		case num == 3 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.MemberCount = x
			return err
		case num == 10 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.Action = x
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("member message", err)
	}
	return msg, nil
}

// DecodeSocialMessage parses a WebcastSocialMessage payload.
func DecodeSocialMessage(data []byte) (*SocialMessage, error) {
	msg := &SocialMessage{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Common, err = decodeCommon(b)
			return err
		case num == 2 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.User, err = decodeUser(b)
			return err
		case num == 3 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.ShareType = x
			return err
		case num == 4 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.Action = x
			return err
		case num == 6 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.FollowCount = x
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("social message", err)
	}
	return msg, nil
}

// DecodeLinkMicFanTicketMethod parses a WebcastLinkMicFanTicketMethod payload.
func DecodeLinkMicFanTicketMethod(data []byte) (*LinkMicFanTicketMethod, error) {
	msg := &LinkMicFanTicketMethod{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			b, err := fieldBytes(v)
			if err != nil {
				return err
			}
			msg.Common, err = decodeCommon(b)
			return err
		case num == 2 && typ == protowire.VarintType:
			x, err := fieldVarint(v)
			msg.FanTicket = x
			return err
		}
		return nil
	})
	if err != nil {
		return nil, malformed("fan ticket message", err)
	}
	return msg, nil
}
