package protocol

// Message types. The string values are the wire names.
const (
	TypeSetUsername   = "SET_USERNAME"
	TypeUsernameSet   = "USERNAME_SET"
	TypeUsernameError = "USERNAME_ERROR"
	TypeGetUsers      = "GET_USERS"
	TypeUserList      = "USER_LIST"
	TypeFileMetadata  = "FILE_METADATA"
	TypeFileChunk     = "FILE_CHUNK"
	TypeFileComplete  = "FILE_COMPLETE"
	TypeFileCancel    = "FILE_CANCEL"
	TypeOffer         = "OFFER"
	TypeAnswer        = "ANSWER"
	TypeIceCandidate  = "ICE_CANDIDATE"
	TypeError         = "ERROR"
)

// Transfer modes carried in FILE_METADATA.transferMode.
const (
	ModeDirect  = "direct"
	ModeRelayed = "relayed"
)

// IsIntent reports whether a message type carries user intent that the sender
// should hear about when it cannot be routed. FILE_COMPLETE counts so a sender
// learns the recipient left before the end of the stream.
func IsIntent(msgType string) bool {
	switch msgType {
	case TypeFileMetadata, TypeFileComplete, TypeOffer, TypeAnswer:
		return true
	default:
		return false
	}
}

// IsRoutable reports whether the relay forwards this message type to a recipient.
func IsRoutable(msgType string) bool {
	switch msgType {
	case TypeFileMetadata, TypeFileChunk, TypeFileComplete, TypeFileCancel,
		TypeOffer, TypeAnswer, TypeIceCandidate:
		return true
	default:
		return false
	}
}
