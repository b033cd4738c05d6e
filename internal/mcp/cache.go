package mcp

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// responseCache memoizes CallTool results for a single MCP client so that
// repeated invocations of an idempotent, read-only tool within a workflow
// run (e.g. a for_each fan-out that re-queries the same lookup tool with
// the same arguments) don't pay for a redundant subprocess round trip.
//
// Cache keys are derived in two steps, the way a content-addressed store
// normally separates "what changed" from "where it's stored": the call's
// arguments are first canonicalized through crypto/sha256 (stable because
// encoding/json sorts map keys), then the tool identity and that digest are
// combined under blake2b-256 to produce the final lookup key.
type responseCache struct {
	mu      sync.Mutex
	entries map[[32]byte]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	response  *ToolCallResponse
	expiresAt time.Time
}

// newResponseCache creates a cache with the given time-to-live. A zero or
// negative ttl disables caching: every lookup misses and nothing is stored.
func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		entries: make(map[[32]byte]cacheEntry),
		ttl:     ttl,
	}
}

func (c *responseCache) key(serverName, toolName string, args map[string]interface{}) ([32]byte, error) {
	var zero [32]byte
	argBytes, err := json.Marshal(args)
	if err != nil {
		return zero, fmt.Errorf("canonicalizing tool arguments: %w", err)
	}
	argDigest := sha256.Sum256(argBytes)

	material := fmt.Sprintf("%s\x00%s\x00%x", serverName, toolName, argDigest)
	return blake2b.Sum256([]byte(material)), nil
}

func (c *responseCache) get(serverName, toolName string, args map[string]interface{}) (*ToolCallResponse, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	key, err := c.key(serverName, toolName, args)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.response, true
}

func (c *responseCache) set(serverName, toolName string, args map[string]interface{}, resp *ToolCallResponse) {
	if c.ttl <= 0 {
		return
	}
	key, err := c.key(serverName, toolName, args)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{response: resp, expiresAt: time.Now().Add(c.ttl)}
}
