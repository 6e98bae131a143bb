// Package invite implements spec §4.10's invite-link and join protocol:
// encoding/decoding the join URL, the join-request/key-package handshake,
// and the group-key rotation an approving member performs on every join.
//
// Grounded on internal/sync/invite.go's PeerInvite (Encode/ParseInvite/
// ToQR/ToQRString/ToMinimalCode shape), repointed from a signed libp2p
// peer-connect blob to the plain base64(JSON) invitation blob spec §6
// names, and its QR rendering kept as-is on github.com/skip2/go-qrcode.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// PathPrefix is the URL path segment an invite link lives under (spec §6:
// "{origin}/join/{base64url(JSON(...))}").
const PathPrefix = "/join/"

// Link is the decoded content of an invite URL (spec §4.10: "base64(JSON
// {invitationId, groupId, groupName})"). The fragment is client-side only
// and never sent to the relay.
type Link struct {
	InvitationID string `json:"invitationId"`
	GroupID      string `json:"groupId"`
	GroupName    string `json:"groupName"`

	// Key is set only when parsing the deprecated fragment-embedded-key
	// variant (spec §6 open question: accepted for inbound compatibility,
	// never emitted by Encode).
	Key []byte `json:"key,omitempty"`
}

// Encode renders the current key-package variant: origin + PathPrefix +
// base64url(JSON(link)), with Key always omitted.
func (l Link) Encode(origin string) (string, error) {
	wire := Link{InvitationID: l.InvitationID, GroupID: l.GroupID, GroupName: l.GroupName}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode invite link: %w", err)
	}
	return origin + PathPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseLink decodes an invite URL, accepting both the current key-package
// variant and the deprecated fragment-embedded-key variant for backward
// compatibility (spec §6 open question).
func ParseLink(url string) (Link, error) {
	idx := strings.Index(url, PathPrefix)
	if idx < 0 {
		return Link{}, fmt.Errorf("invalid invite url: missing %q", PathPrefix)
	}
	blob := url[idx+len(PathPrefix):]

	// Deprecated variant appends the key as a URL fragment after '#'.
	var fragmentKey []byte
	if hashIdx := strings.IndexByte(blob, '#'); hashIdx >= 0 {
		fragment := blob[hashIdx+1:]
		blob = blob[:hashIdx]
		if decoded, err := base64.RawURLEncoding.DecodeString(fragment); err == nil {
			fragmentKey = decoded
		}
	}

	data, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return Link{}, fmt.Errorf("invalid invite encoding: %w", err)
	}

	var link Link
	if err := json.Unmarshal(data, &link); err != nil {
		return Link{}, fmt.Errorf("invalid invite data: %w", err)
	}
	if fragmentKey != nil {
		link.Key = fragmentKey
	}
	return link, nil
}

// ToQR renders the invite link as a QR code PNG at the given origin.
func (l Link) ToQR(origin string) ([]byte, error) {
	encoded, err := l.Encode(origin)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(encoded, qrcode.Low, 256)
}

// ToQRString renders the invite link as ASCII art for terminal display.
func (l Link) ToQRString(origin string) (string, error) {
	encoded, err := l.Encode(origin)
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(encoded, qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
