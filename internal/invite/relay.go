package invite

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/ledgererr"
)

// RelayClient is the join protocol's view of the relay (spec §6: "Join
// flow: POST /invitations, POST /joinRequests, GET /joinRequests?groupId&
// status, PATCH /joinRequests/:id, POST /keyPackages, WS
// /keyPackages?recipientHash").
type RelayClient interface {
	CreateInvitation(ctx context.Context, groupID string) (invitationID string, err error)
	PostJoinRequest(ctx context.Context, req JoinRequest) error
	ListJoinRequests(ctx context.Context, groupID, status string) ([]JoinRequest, error)
	ApproveJoinRequest(ctx context.Context, requestID string) error
	PostKeyPackage(ctx context.Context, groupID string, recipientHash core.MemberID, pkg *cryptoprim.KeyPackage) error
	SubscribeKeyPackages(ctx context.Context, recipientHash core.MemberID, onPackage func(groupID string, pkg *cryptoprim.KeyPackage)) error
}

// httpRelayClient implements RelayClient over plain HTTP plus a WebSocket
// for the live key-package subscription, the same transport split as
// internal/sync/relay.go's httpRelayClient.
type httpRelayClient struct {
	baseURL string
	http    *http.Client
	schema  *gojsonschema.Schema
}

// NewHTTPRelayClient creates a join-protocol relay client targeting
// baseURL.
func NewHTTPRelayClient(baseURL string) RelayClient {
	loader := gojsonschema.NewBytesLoader([]byte(keyPackageSchema))
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic(fmt.Sprintf("invite: invalid embedded key package schema: %v", err))
	}
	return &httpRelayClient{baseURL: baseURL, http: &http.Client{}, schema: compiled}
}

const keyPackageSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["groupId", "recipientHash", "ciphertext", "signature"],
	"properties": {
		"groupId": {"type": "string", "minLength": 1},
		"recipientHash": {"type": "string", "minLength": 1},
		"ciphertext": {"type": "string"},
		"signature": {"type": "string"}
	}
}`

type invitationCreateRequest struct {
	GroupID string `json:"groupId"`
}

type invitationRecord struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Status  string `json:"status"`
}

type joinRequestWire struct {
	InvitationID           string        `json:"invitationId"`
	GroupID                string        `json:"groupId"`
	RequesterPublicKey     string        `json:"requesterPublicKey"`
	RequesterPublicKeyHash core.MemberID `json:"requesterPublicKeyHash"`
	RequesterName          string        `json:"requesterName"`
	ID                     string        `json:"id,omitempty"`
	Status                 string        `json:"status,omitempty"`
}

type keyPackageWire struct {
	GroupID       string `json:"groupId"`
	RecipientHash string `json:"recipientHash"`
	Ciphertext    string `json:"ciphertext"`
	Signature     string `json:"signature"`
}

// CreateInvitation posts an invitation record to the relay (spec §4.10
// step 1).
func (c *httpRelayClient) CreateInvitation(ctx context.Context, groupID string) (string, error) {
	body, err := json.Marshal(invitationCreateRequest{GroupID: groupID})
	if err != nil {
		return "", fmt.Errorf("encode invitation request: %w", err)
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/invitations", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var rec invitationRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return "", fmt.Errorf("decode invitation response: %w", err)
	}
	return rec.ID, nil
}

// PostJoinRequest posts a joiner's request to join a group (spec §4.10
// step 2).
func (c *httpRelayClient) PostJoinRequest(ctx context.Context, req JoinRequest) error {
	wire := joinRequestWire{
		InvitationID:           req.InvitationID,
		GroupID:                req.GroupID,
		RequesterPublicKey:     base64.StdEncoding.EncodeToString(req.RequesterPublicKey),
		RequesterPublicKeyHash: req.RequesterPublicKeyHash,
		RequesterName:          req.RequesterName,
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode join request: %w", err)
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/joinRequests", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListJoinRequests lists pending (or other-status) join requests for a
// group (spec §4.10 step 3: the approving member's inbox).
func (c *httpRelayClient) ListJoinRequests(ctx context.Context, groupID, status string) ([]JoinRequest, error) {
	path := "/joinRequests?groupId=" + url.QueryEscape(groupID) + "&status=" + url.QueryEscape(status)
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire []joinRequestWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode join requests: %w", err)
	}

	out := make([]JoinRequest, 0, len(wire))
	for _, w := range wire {
		pubKey, err := base64.StdEncoding.DecodeString(w.RequesterPublicKey)
		if err != nil {
			continue
		}
		out = append(out, JoinRequest{
			InvitationID:           w.InvitationID,
			GroupID:                w.GroupID,
			RequesterPublicKey:     pubKey,
			RequesterPublicKeyHash: w.RequesterPublicKeyHash,
			RequesterName:          w.RequesterName,
		})
	}
	return out, nil
}

// ApproveJoinRequest marks a join request approved (spec §4.10 step 3:
// "Mark the join request approved").
func (c *httpRelayClient) ApproveJoinRequest(ctx context.Context, requestID string) error {
	body, err := json.Marshal(map[string]string{"status": "approved"})
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	resp, err := c.doJSON(ctx, http.MethodPatch, "/joinRequests/"+url.PathEscape(requestID), body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PostKeyPackage posts an encrypted, signed key package addressed to one
// recipient (spec §4.10 step 3).
func (c *httpRelayClient) PostKeyPackage(ctx context.Context, groupID string, recipientHash core.MemberID, pkg *cryptoprim.KeyPackage) error {
	wire := keyPackageWire{
		GroupID:       groupID,
		RecipientHash: string(recipientHash),
		Ciphertext:    base64.StdEncoding.EncodeToString(pkg.Ciphertext),
		Signature:     base64.StdEncoding.EncodeToString(pkg.Signature),
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode key package: %w", err)
	}
	if err := c.validate(body); err != nil {
		return err
	}
	resp, err := c.doJSON(ctx, http.MethodPost, "/keyPackages", body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SubscribeKeyPackages opens a live subscription for key packages
// addressed to recipientHash (spec §6: "WS /keyPackages?recipientHash").
// Payloads are schema-validated before being parsed, since the relay is an
// untrusted/compromised-server threat model (spec §9).
func (c *httpRelayClient) SubscribeKeyPackages(ctx context.Context, recipientHash core.MemberID, onPackage func(groupID string, pkg *cryptoprim.KeyPackage)) error {
	wsURL, err := toWebSocketURL(c.baseURL, "/keyPackages", "recipientHash="+url.QueryEscape(string(recipientHash)))
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return ledgererr.NetworkUnavailable{Cause: err}
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return ledgererr.NetworkUnavailable{Cause: err}
		}

		if err := c.validate(payload); err != nil {
			continue
		}
		var wire keyPackageWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(wire.Ciphertext)
		if err != nil {
			continue
		}
		signature, err := base64.StdEncoding.DecodeString(wire.Signature)
		if err != nil {
			continue
		}
		onPackage(wire.GroupID, &cryptoprim.KeyPackage{Ciphertext: ciphertext, Signature: signature})
	}
}

func (c *httpRelayClient) validate(payload []byte) error {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("invite: validate key package: %w", err)
	}
	if !result.Valid() {
		if len(result.Errors()) > 0 {
			return fmt.Errorf("invite: key package envelope invalid: %s", result.Errors()[0].String())
		}
		return fmt.Errorf("invite: key package envelope invalid")
	}
	return nil
}

func (c *httpRelayClient) doJSON(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ledgererr.NetworkUnavailable{Cause: err}
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, ledgererr.RelayError{Op: method + " " + path, Status: resp.StatusCode}
	}
	return resp, nil
}

func toWebSocketURL(baseURL, path, rawQuery string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + path
	u.RawQuery = rawQuery
	return u.String(), nil
}
