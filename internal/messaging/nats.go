// Package messaging provides a NATS client wrapper for the moderation
// event bus. The engine publishes submission decisions and applied
// moderator actions; the modstream service subscribes and fans them out
// to moderator dashboards.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/threadline/comment-engine/internal/comment"
	"github.com/threadline/comment-engine/internal/moderation"
	"github.com/threadline/comment-engine/internal/spam"
)

// NATS subjects used across the engine services.
const (
	SubjectDecision = "moderation.decision" // automatic submission decisions
	SubjectAction   = "moderation.action"   // applied moderator transitions
)

// DecisionEvent is published for every accepted submission.
type DecisionEvent struct {
	CommentID string        `json:"comment_id"`
	ArticleID string        `json:"article_id"`
	AuthorID  string        `json:"author_id"`
	Status    string        `json:"status"`
	SpamScore int           `json:"spam_score"`
	Signals   []spam.Signal `json:"signals,omitempty"`
	Ts        int64         `json:"ts"`
}

// ActionEvent is published for every applied moderator transition.
type ActionEvent struct {
	CommentID string `json:"comment_id"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	ActorID   string `json:"actor_id"`
	NewStatus string `json:"new_status"`
	Bulk      bool   `json:"bulk"`
	Ts        int64  `json:"ts"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "comment-engine",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection with helper methods for the
// moderation event subjects.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a
// ready client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishDecision sends a submission decision to the event bus.
func (c *NATSClient) PublishDecision(event *DecisionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal decision: %w", err)
	}
	return c.conn.Publish(SubjectDecision, data)
}

// PublishAction sends an applied moderator transition to the event bus.
func (c *NATSClient) PublishAction(event *ActionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats marshal action: %w", err)
	}
	return c.conn.Publish(SubjectAction, data)
}

// SubscribeDecisions registers a handler for submission decisions.
func (c *NATSClient) SubscribeDecisions(handler func(data []byte)) error {
	return c.subscribe(SubjectDecision, handler)
}

// SubscribeActions registers a handler for applied moderator transitions.
func (c *NATSClient) SubscribeActions(handler func(data []byte)) error {
	return c.subscribe(SubjectAction, handler)
}

func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all subscriptions and closes the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	c.conn.Close()
}

// Publisher adapts the NATS client to the engine's event hooks. Publishing
// is best effort: a bus failure is logged, never surfaced to the
// submitting user or the moderator.
type Publisher struct {
	client *NATSClient
}

// NewPublisher wraps a connected NATS client.
func NewPublisher(client *NATSClient) *Publisher {
	return &Publisher{client: client}
}

// DecisionMade implements the engine's decision hook.
func (p *Publisher) DecisionMade(c *comment.Comment, score int, signals []spam.Signal) {
	err := p.client.PublishDecision(&DecisionEvent{
		CommentID: c.ID,
		ArticleID: c.ArticleID,
		AuthorID:  c.AuthorID,
		Status:    string(c.Status),
		SpamScore: score,
		Signals:   signals,
		Ts:        c.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("[messaging] publish decision comment=%s: %v", c.ID, err)
	}
}

// ModerationApplied implements moderation.Notifier.
func (p *Publisher) ModerationApplied(action *moderation.ModerationAction) {
	err := p.client.PublishAction(&ActionEvent{
		CommentID: action.CommentID,
		Action:    string(action.Action),
		Reason:    action.Reason,
		ActorID:   action.ActorID,
		NewStatus: string(action.NewStatus),
		Bulk:      action.Bulk,
		Ts:        action.Timestamp.Unix(),
	})
	if err != nil {
		log.Printf("[messaging] publish action comment=%s: %v", action.CommentID, err)
	}
}
