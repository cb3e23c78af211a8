package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionResultsKey returns the cache key for a completed session's score snapshot
func (r *CacheKeyStruct) SessionResultsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:results", sessionID)
}

// SessionAutosaveKey returns the hash holding a session's not-yet-persisted websocket answers
func (r *CacheKeyStruct) SessionAutosaveKey(sessionID string) string {
	return fmt.Sprintf("session:%s:autosave", sessionID)
}

// SessionEventsChannel returns the Redis PubSub channel for a user's session events
func (r *CacheKeyStruct) SessionEventsChannel(userID int) string {
	return fmt.Sprintf("user:%d:session_events", userID)
}

var CacheKey = NewCacheKeyStruct()
