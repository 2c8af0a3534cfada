package whatsapp

import (
	"fmt"
	"strings"

	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"go.mau.fi/whatsmeow/types"
)

const groupSuffix = "@g.us"

// toJID converts a chat address ("<digits>@c.us", "<id>@g.us") into a whatsmeow JID.
// Bare numbers are treated as user chats.
func toJID(address string) (types.JID, error) {
	user, server := address, ""
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		user, server = address[:i], address[i:]
	}
	if user == "" {
		return types.JID{}, fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}

	switch server {
	case "", domain.ChatSuffix:
		return types.NewJID(user, types.DefaultUserServer), nil
	case groupSuffix:
		return types.NewJID(user, types.GroupServer), nil
	default:
		jid, err := types.ParseJID(address)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidAddress, address, err)
		}
		return jid, nil
	}
}
