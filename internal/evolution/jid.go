package evolution

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// PhoneFromJID extracts the phone number of a one-to-one chat JID.
// Groups, broadcasts, newsletters and LID addresses yield ok=false.
func PhoneFromJID(remote string) (string, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", false
	}
	if !strings.Contains(remote, "@") {
		return digitsOnly(remote)
	}

	jid, err := types.ParseJID(remote)
	if err != nil {
		return "", false
	}
	switch jid.Server {
	case types.DefaultUserServer, types.LegacyUserServer:
	default:
		return "", false
	}
	return digitsOnly(jid.User)
}

// IsGroupJID reports whether remote addresses a group chat.
func IsGroupJID(remote string) bool {
	jid, err := types.ParseJID(strings.TrimSpace(remote))
	return err == nil && jid.Server == types.GroupServer
}

// UserJID builds the bridge address for a phone number.
func UserJID(phone string) string {
	return types.NewJID(phone, types.DefaultUserServer).String()
}

func digitsOnly(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}
