package econn

import "github.com/avscall/callcore/internal/codec"

// IsCreator implements the deterministic "creator" predicate (§4.2): given a
// same-convid inbound SETUP(req), both peers must independently agree on
// which of them owes the answer. The predicate is a total order over
// (user,client) pairs, tie-broken by the message's Request flag so a
// simultaneous exchange still converges — whichever side's identity sorts
// lower treats the other as creator.
func IsCreator(selfUser, selfClient, remoteUser, remoteClient string, msg codec.Message) bool {
	self := codec.UserClient{UserID: selfUser, ClientID: selfClient}
	remote := codec.UserClient{UserID: remoteUser, ClientID: remoteClient}
	if cmp := compareUserClient(remote, self); cmp != 0 {
		return cmp < 0
	}
	// Identical identity pairs (should not occur outside tests): fall back
	// to the request flag so the function stays total.
	return msg.Request
}

func compareUserClient(a, b codec.UserClient) int {
	if c := compareFold(a.UserID, b.UserID); c != 0 {
		return c
	}
	return compareFold(a.ClientID, b.ClientID)
}

func compareFold(a, b string) int {
	la, lb := toLower(a), toLower(b)
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}
