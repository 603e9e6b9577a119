// Package bus defines the publish/subscribe transport hosts coordinate over.
//
// Subjects are dot-separated tokens. Subscriptions may use "*" to match one
// token and a trailing ">" to match one or more tokens. Delivery is unordered
// across subscriptions and may repeat a message: consumers must tolerate
// at-least-once delivery.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrClosed         = errors.New("bus: connection closed")
	ErrInvalidSubject = errors.New("bus: invalid subject")
	ErrNoReply        = errors.New("bus: request timed out without reply")
)

// Message is one delivered publication.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler receives messages for one subscription. Calls for a subscription are
// serialized; handlers that block stall only their own subscription.
type Handler func(Message)

type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Conn is one client attachment to the bus.
type Conn interface {
	Publish(ctx context.Context, subject, reply string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// NewInbox returns a unique reply subject under prefix.
func NewInbox(prefix string) string {
	return prefix + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request publishes data with a fresh inbox under inboxPrefix and returns the
// first reply. ctx bounds the wait.
func Request(ctx context.Context, c Conn, subject string, data []byte, inboxPrefix string) (Message, error) {
	inbox := NewInbox(inboxPrefix)
	replies := make(chan Message, 1)
	sub, err := c.Subscribe(inbox, func(m Message) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return Message{}, err
	}
	defer sub.Unsubscribe()

	if err := c.Publish(ctx, subject, inbox, data); err != nil {
		return Message{}, err
	}
	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%w: subject=%s: %v", ErrNoReply, subject, ctx.Err())
	}
}

// ValidateSubject checks a publish subject: non-empty tokens, no wildcards.
func ValidateSubject(subject string) error {
	if err := validateTokens(subject); err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("%w: wildcard in publish subject %q", ErrInvalidSubject, subject)
	}
	return nil
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if err := validateTokens(pattern); err != nil {
		return err
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		if tok == ">" && i != len(tokens)-1 {
			return fmt.Errorf("%w: '>' must be last in %q", ErrInvalidSubject, pattern)
		}
		if len(tok) > 1 && strings.ContainsAny(tok, "*>") {
			return fmt.Errorf("%w: partial wildcard token in %q", ErrInvalidSubject, pattern)
		}
	}
	return nil
}

func validateTokens(s string) error {
	if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return fmt.Errorf("%w: empty token in %q", ErrInvalidSubject, s)
		}
	}
	return nil
}

// Match reports whether subject matches pattern.
func Match(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(s) > i
		}
		if i >= len(s) {
			return false
		}
		if tok != "*" && tok != s[i] {
			return false
		}
	}
	return len(p) == len(s)
}
