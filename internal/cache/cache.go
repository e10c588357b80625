// Package cache keeps per-process, per-user hot state: stream forests,
// expanded access logics and the username to user id mapping. Mutations
// publish an invalidation message and clear the local slot before returning,
// so the publishing process keeps read-your-writes.
package cache

import (
	"context"
	"sync"

	"github.com/pryv/open-pryv.io-sub006/internal/access"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// Invalidation actions.
const (
	ActionUnsetStreams     = "UNSET_STREAMS"
	ActionUnsetAccessLogic = "UNSET_ACCESS_LOGIC"
	ActionUnsetUserData    = "UNSET_USER_DATA"
	ActionUnsetUser        = "UNSET_USER"
)

// Message is one invalidation, as published on the bus.
type Message struct {
	Action      string `json:"action"`
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	AccessID    string `json:"accessId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// Publisher carries invalidations to other processes and manages the
// per-user listeners. A nil Publisher means single-process mode.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	EnsureListener(userID string)
	RemoveListener(userID string)
}

type userSlot struct {
	streams      map[string][]*storage.Stream // by store id
	logicByID    map[string]*access.Logic
	logicByToken map[string]*access.Logic
}

func newUserSlot() *userSlot {
	return &userSlot{
		streams:      make(map[string][]*storage.Stream),
		logicByID:    make(map[string]*access.Logic),
		logicByToken: make(map[string]*access.Logic),
	}
}

// Cache is the per-process cache. All methods are safe for concurrent use.
type Cache struct {
	bus Publisher

	mu      sync.RWMutex
	users   map[string]*userSlot
	userIDs map[string]string // username -> userId
}

// New creates an empty cache. bus may be nil.
func New(bus Publisher) *Cache {
	return &Cache{
		bus:     bus,
		users:   make(map[string]*userSlot),
		userIDs: make(map[string]string),
	}
}

func (c *Cache) slot(userID string) *userSlot {
	s, ok := c.users[userID]
	if !ok {
		s = newUserSlot()
		c.users[userID] = s
		if c.bus != nil {
			c.bus.EnsureListener(userID)
		}
	}
	return s
}

// GetStreams returns the cached forest of one store for a user.
func (c *Cache) GetStreams(userID, storeID string) ([]*storage.Stream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.users[userID]
	if !ok {
		return nil, false
	}
	forest, ok := s.streams[storeID]
	return forest, ok
}

// SetStreams caches the forest of one store for a user.
func (c *Cache) SetStreams(userID, storeID string, forest []*storage.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot(userID).streams[storeID] = forest
}

// GetLogicByToken returns the cached access logic for a token.
func (c *Cache) GetLogicByToken(userID, token string) (*access.Logic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.users[userID]
	if !ok {
		return nil, false
	}
	l, ok := s.logicByToken[token]
	return l, ok
}

// GetLogicByAccessID returns the cached access logic for an access id.
func (c *Cache) GetLogicByAccessID(userID, accessID string) (*access.Logic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.users[userID]
	if !ok {
		return nil, false
	}
	l, ok := s.logicByID[accessID]
	return l, ok
}

// SetLogic caches an access logic under both its access id and its token.
func (c *Cache) SetLogic(userID string, l *access.Logic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slot(userID)
	s.logicByID[l.Access.ID] = l
	if l.Access.Token != "" {
		s.logicByToken[l.Access.Token] = l
	}
}

// GetUserID resolves a cached username.
func (c *Cache) GetUserID(username string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.userIDs[username]
	return id, ok
}

// SetUserID caches a username to user id mapping.
func (c *Cache) SetUserID(username, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userIDs[username] = userID
}

// UnsetStreams drops a user's cached forests and publishes the invalidation.
func (c *Cache) UnsetStreams(ctx context.Context, userID string) error {
	c.apply(Message{Action: ActionUnsetStreams, UserID: userID})
	return c.publish(ctx, Message{Action: ActionUnsetStreams, UserID: userID})
}

// UnsetAccessLogic drops one cached access logic and publishes the
// invalidation.
func (c *Cache) UnsetAccessLogic(ctx context.Context, userID, accessID, token string) error {
	msg := Message{Action: ActionUnsetAccessLogic, UserID: userID, AccessID: accessID, AccessToken: token}
	c.apply(msg)
	return c.publish(ctx, msg)
}

// UnsetUserData drops everything cached for a user and publishes the
// invalidation. The per-user listener is released.
func (c *Cache) UnsetUserData(ctx context.Context, userID string) error {
	msg := Message{Action: ActionUnsetUserData, UserID: userID}
	c.apply(msg)
	return c.publish(ctx, msg)
}

// UnsetUser drops a user entirely, including the username mapping.
func (c *Cache) UnsetUser(ctx context.Context, username, userID string) error {
	msg := Message{Action: ActionUnsetUser, UserID: userID, Username: username}
	c.apply(msg)
	return c.publish(ctx, msg)
}

func (c *Cache) publish(ctx context.Context, msg Message) error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Publish(ctx, msg)
}

// Apply executes an invalidation locally without re-publishing. The synchro
// receive path funnels remote messages through here.
func (c *Cache) Apply(msg Message) {
	c.apply(msg)
}

func (c *Cache) apply(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case ActionUnsetStreams:
		if s, ok := c.users[msg.UserID]; ok {
			s.streams = make(map[string][]*storage.Stream)
			// Access logics embed expanded stream permissions.
			s.logicByID = make(map[string]*access.Logic)
			s.logicByToken = make(map[string]*access.Logic)
		}
	case ActionUnsetAccessLogic:
		if s, ok := c.users[msg.UserID]; ok {
			if msg.AccessID != "" {
				delete(s.logicByID, msg.AccessID)
			}
			if msg.AccessToken != "" {
				delete(s.logicByToken, msg.AccessToken)
			}
		}
	case ActionUnsetUserData:
		delete(c.users, msg.UserID)
		if c.bus != nil {
			c.bus.RemoveListener(msg.UserID)
		}
	case ActionUnsetUser:
		delete(c.users, msg.UserID)
		if msg.Username != "" {
			delete(c.userIDs, msg.Username)
		}
		if c.bus != nil {
			c.bus.RemoveListener(msg.UserID)
		}
	}
}
