package state

import "github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"

var (
	ErrInvalidNickname    = &protocol.Error{Code: protocol.CodeInvalidPayload, Message: "nickname must be 1-24 characters"}
	ErrInvalidChannelCode = &protocol.Error{Code: protocol.CodeInvalidPayload, Message: "channel code must be 4 digits"}
	ErrChannelNotFound    = &protocol.Error{Code: protocol.CodeNotFound, Message: "channel not found"}
	ErrNotInChannel       = &protocol.Error{Code: protocol.CodeNotFound, Message: "not a member of this channel"}
	ErrChannelFull        = &protocol.Error{Code: protocol.CodeChannelFull, Message: "channel is full"}
	ErrCodeSpaceExhausted = &protocol.Error{Code: protocol.CodeInternal, Message: "could not allocate a channel code"}
	ErrStorage            = &protocol.Error{Code: protocol.CodeInternal, Message: "storage unavailable"}
)
