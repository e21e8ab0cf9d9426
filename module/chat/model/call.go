package model

type CallKind int32

const (
	CallKindAudio CallKind = 1
	CallKindVideo CallKind = 2
)

func (k CallKind) String() string {
	if k == CallKindVideo {
		return "video"
	}
	return "audio"
}

// CallRole 谁发起了这通呼叫
type CallRole int32

const (
	CallRoleCaller CallRole = 1
	CallRoleCallee CallRole = 2
)
