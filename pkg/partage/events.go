package partage

import (
	"time"

	"github.com/mpizenberg/partage/internal/api"
)

// subscription implements api.Subscription over a per-group broadcast
// channel.
type subscription struct {
	sess *groupSession
	ch   chan api.Event
}

func (s *subscription) Events() <-chan api.Event { return s.ch }

func (s *subscription) Close() {
	s.sess.mu.Lock()
	defer s.sess.mu.Unlock()
	for i, c := range s.sess.subs {
		if c == s.ch {
			s.sess.subs = append(s.sess.subs[:i], s.sess.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

// Subscribe registers a new change-notification stream for groupID (spec
// §1: a live-updating shell around the core), fed by every AddEntry/
// ModifyEntry/DeleteEntry/UndeleteEntry call and by incoming sync updates.
func (e *engineImpl) Subscribe(groupID string) (Subscription, error) {
	sess, err := e.session(groupID)
	if err != nil {
		return nil, err
	}

	ch := make(chan api.Event, 32)
	sess.mu.Lock()
	sess.subs = append(sess.subs, ch)
	sess.mu.Unlock()

	return &subscription{sess: sess, ch: ch}, nil
}

// broadcast fans out an event to every live subscriber of groupID,
// dropping it for any subscriber whose buffer is full rather than
// blocking the caller (a slow consumer must not stall a write).
func (e *engineImpl) broadcast(groupID string, eventType EventType) {
	e.mu.Lock()
	sess, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return
	}

	event := api.Event{Type: eventType, GroupID: groupID, Timestamp: time.Now().UnixMilli()}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, ch := range sess.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
