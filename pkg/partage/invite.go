package partage

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/crdt"
	"github.com/mpizenberg/partage/internal/cryptoprim"
	"github.com/mpizenberg/partage/internal/invite"
	"github.com/mpizenberg/partage/internal/ledgererr"
	"github.com/mpizenberg/partage/internal/memberevent"
	"github.com/mpizenberg/partage/internal/storage"
)

// CreateInvite registers a new invitation with the relay for groupID (spec
// §4.10 step 1).
func (e *engineImpl) CreateInvite(groupID string) (invite.Link, error) {
	if e.inviteRelay == nil {
		return invite.Link{}, ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	record, err := e.store.LoadGroup(groupID)
	if err != nil {
		return invite.Link{}, ledgererr.GroupNotFound{GroupID: groupID}
	}
	var settings groupSettings
	if len(record.SettingsJSON) > 0 {
		_ = json.Unmarshal(record.SettingsJSON, &settings)
	}

	ctx := context.Background()
	invitationID, err := e.inviteRelay.CreateInvitation(ctx, groupID)
	if err != nil {
		return invite.Link{}, err
	}

	return invite.Link{InvitationID: invitationID, GroupID: groupID, GroupName: settings.Name}, nil
}

// RequestJoin posts a join request for link to the relay and opens a
// placeholder local session so incoming sync can deliver the approving
// member's member_created event before any group key is known (spec §4.10
// step 2).
func (e *engineImpl) RequestJoin(ctx context.Context, link invite.Link, requesterName string) error {
	if e.inviteRelay == nil {
		return ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	req := invite.JoinRequest{
		InvitationID:           link.InvitationID,
		GroupID:                link.GroupID,
		RequesterPublicKey:     e.identity.ECDHPublic.Bytes(),
		RequesterSignPublicKey: e.identity.SignPublic,
		RequesterPublicKeyHash: cryptoprim.PublicKeyHashOf(e.identity),
		RequesterName:          requesterName,
	}

	e.mu.Lock()
	_, alreadyOpen := e.groups[link.GroupID]
	e.mu.Unlock()
	if !alreadyOpen {
		if _, err := e.store.LoadGroup(link.GroupID); err != nil {
			settings, err := json.Marshal(groupSettings{Name: link.GroupName})
			if err != nil {
				return fmt.Errorf("encode group settings: %w", err)
			}
			record := storage.GroupRecord{
				ID:           link.GroupID,
				CreatedAt:    time.Now().UnixMilli(),
				SettingsJSON: settings,
			}
			if err := e.store.SaveGroup(record); err != nil {
				return fmt.Errorf("persist pending group record: %w", err)
			}
		}

		replicaID := string(cryptoprim.PublicKeyHashOf(e.identity))
		if err := e.registerGroup(link.GroupID, crdt.NewDocument(replicaID)); err != nil {
			return err
		}
	}

	return e.inviteRelay.PostJoinRequest(ctx, req)
}

// PendingJoinRequests lists outstanding join requests against groupID, for
// an approving member to review (spec §4.10 step 3).
func (e *engineImpl) PendingJoinRequests(ctx context.Context, groupID string) ([]invite.JoinRequest, error) {
	if e.inviteRelay == nil {
		return nil, ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}
	return e.inviteRelay.ListJoinRequests(ctx, groupID, "pending")
}

// ApproveJoin appends a member_created event for req, rotates the group
// key, distributes a key package to every active member including the
// joiner, and marks req approved on the relay (spec §4.10 step 3).
func (e *engineImpl) ApproveJoin(ctx context.Context, groupID string, req invite.JoinRequest) error {
	if e.inviteRelay == nil {
		return ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	sess, err := e.session(groupID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	eventID, packages, err := invite.ApproveJoin(sess.doc, sess.keyRing, e.identity, req, time.Now().UnixMilli())
	sess.mu.Unlock()
	if err != nil {
		return err
	}
	if eventID == "" {
		return fmt.Errorf("approve join: no member event produced")
	}

	for recipient, pkg := range packages {
		if err := e.inviteRelay.PostKeyPackage(ctx, groupID, recipient, pkg); err != nil {
			return fmt.Errorf("post key package for %s: %w", recipient, err)
		}
	}

	// The relay's join-request identifier isn't part of JoinRequest; the
	// requester's public key hash is the practical stand-in since it
	// uniquely addresses one pending request per group.
	if err := e.inviteRelay.ApproveJoinRequest(ctx, string(req.RequesterPublicKeyHash)); err != nil {
		return err
	}

	if err := e.bumpKeyVersion(groupID, sess.keyRing.CurrentVersion()); err != nil {
		return fmt.Errorf("persist rotated key version: %w", err)
	}

	e.broadcast(groupID, EventMemberChanged)

	if sess.syncManager != nil {
		if err := e.Push(ctx, groupID); err != nil {
			return err
		}
	}
	return nil
}

// AwaitGroupKeys blocks until this device receives and imports the group
// keys payload addressed to it following a successful join (spec §4.10
// step 4). The caller must have already called RequestJoin for groupID.
func (e *engineImpl) AwaitGroupKeys(ctx context.Context, groupID string) error {
	if e.inviteRelay == nil {
		return ledgererr.NetworkUnavailable{Cause: fmt.Errorf("no relay configured for this engine")}
	}

	if err := e.Pull(ctx, groupID); err != nil {
		return err
	}

	sess, err := e.session(groupID)
	if err != nil {
		return err
	}

	selfID := cryptoprim.PublicKeyHashOf(e.identity)
	sess.mu.Lock()
	approverPub, approverSignPub, found := findApprover(sess.doc, selfID)
	sess.mu.Unlock()
	if !found {
		return fmt.Errorf("join not yet visible: no member_created event for this device in group %s", groupID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	received := make(chan invite.GroupKeysPayload, 1)
	subErr := make(chan error, 1)
	go func() {
		err := e.inviteRelay.SubscribeKeyPackages(subCtx, selfID, func(gid string, pkg *cryptoprim.KeyPackage) {
			if gid != groupID {
				return
			}
			payload, err := invite.OpenGroupKeysPayload(pkg, approverSignPub, e.identity.ECDHPrivate, approverPub)
			if err != nil {
				return
			}
			select {
			case received <- payload:
			default:
			}
		})
		select {
		case subErr <- err:
		default:
		}
	}()

	select {
	case payload := <-received:
		sess.mu.Lock()
		err := invite.ImportGroupKeysPayload(sess.keyRing, payload)
		sess.mu.Unlock()
		if err != nil {
			return err
		}
		return e.bumpKeyVersion(groupID, payload.CurrentKeyVersion)
	case err := <-subErr:
		if err != nil {
			return err
		}
		return fmt.Errorf("key package subscription closed before a payload for group %s arrived", groupID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bumpKeyVersion persists a new CurrentKeyVersion onto groupID's record,
// preserving every other field (storage.Store.SaveGroup is a full upsert).
func (e *engineImpl) bumpKeyVersion(groupID string, version int) error {
	record, err := e.store.LoadGroup(groupID)
	if err != nil {
		return err
	}
	record.CurrentKeyVersion = version
	return e.store.SaveGroup(record)
}

// findApprover walks doc's member-event log to find the member_created
// event for selfID and resolves the approving actor's public keys from
// their own member_created event.
func findApprover(doc *crdt.Document, selfID core.MemberID) (ecdhPub *ecdh.PublicKey, signPub ed25519.PublicKey, ok bool) {
	rows := doc.MemberEvents()
	events := make([]core.MemberEvent, 0, len(rows))
	for _, row := range rows {
		var evt core.MemberEvent
		if err := json.Unmarshal(row.Data, &evt); err == nil {
			events = append(events, evt)
		}
	}

	var actorID core.MemberID
	found := false
	for _, evt := range events {
		if evt.Kind == core.MemberCreated && evt.MemberID == selfID {
			actorID = evt.ActorID
			found = true
			break
		}
	}
	if !found {
		return nil, nil, false
	}

	states := memberevent.ComputeMemberStates(events)
	approver, ok := states[actorID]
	if !ok || len(approver.PublicKey) == 0 || len(approver.SignPublicKey) == 0 {
		return nil, nil, false
	}

	pub, err := ecdh.P256().NewPublicKey(approver.PublicKey)
	if err != nil {
		return nil, nil, false
	}
	return pub, ed25519.PublicKey(approver.SignPublicKey), true
}
