// Package catalog projects the backend's capability catalog into the set of
// externally exposed tools: each entry resolved to a canonical identity,
// classified by policy, rendered under its tier tag, with internal-tier
// entries dropped.
package catalog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/msageha/toolgate/internal/backend"
	"github.com/msageha/toolgate/internal/identity"
	"github.com/msageha/toolgate/internal/policy"
)

// ToolDescriptor is one externally visible tool.
type ToolDescriptor struct {
	ExternalName string             `json:"name"`
	Canonical    string             `json:"-"` // never exposed to callers
	Pack         string             `json:"pack"`
	Action       string             `json:"action"`
	Description  string             `json:"description,omitempty"`
	Tier         policy.Tier        `json:"tier"`
	Constraints  policy.Constraints `json:"constraints"`
}

// Catalog caches the exposed tool set. Refresh is driven by the daemon's
// ticker; List and Lookup serve from the cache.
type Catalog struct {
	backend  *backend.Client
	resolver *identity.Resolver
	policy   *policy.Policy
	logger   *log.Logger

	mu          sync.RWMutex
	descriptors []ToolDescriptor
	byName      map[string]ToolDescriptor
	refreshedAt time.Time
}

func New(client *backend.Client, resolver *identity.Resolver, pol *policy.Policy, logger *log.Logger) *Catalog {
	return &Catalog{
		backend:  client,
		resolver: resolver,
		policy:   pol,
		logger:   logger,
		byName:   make(map[string]ToolDescriptor),
	}
}

// Refresh fetches the backend catalog and rebuilds the exposed tool set. The
// previous set stays in place when the fetch fails, so a backend outage
// degrades to stale listings rather than an empty gateway.
func (c *Catalog) Refresh(ctx context.Context) error {
	entries, err := c.backend.ListCatalog(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}

	packs := make([]string, 0, len(entries))
	descriptors := make([]ToolDescriptor, 0, len(entries))
	byName := make(map[string]ToolDescriptor, len(entries))
	dropped := 0

	for _, entry := range entries {
		id, err := c.resolver.Resolve(entry.Pack, entry.Action)
		if err != nil {
			if c.logger != nil {
				c.logger.Printf("%s WARN catalog: skip entry pack=%q action=%q err=%v",
					time.Now().Format(time.RFC3339), entry.Pack, entry.Action, err)
			}
			continue
		}
		packs = append(packs, id.Pack)

		desc, ok := c.describe(id, entry)
		if !ok {
			dropped++
			continue
		}
		descriptors = append(descriptors, desc)
		byName[desc.ExternalName] = desc
	}

	// The known-pack set includes packs whose every entry is internal, so
	// strict resolution can still distinguish "unknown pack" from "denied".
	c.resolver.SetKnownPacks(packs)

	c.mu.Lock()
	c.descriptors = descriptors
	c.byName = byName
	c.refreshedAt = time.Now().UTC()
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("%s INFO catalog: refreshed exposed=%d internal=%d",
			time.Now().Format(time.RFC3339), len(descriptors), dropped)
	}
	return nil
}

// describe renders and classifies one entry. ok=false means the entry is
// internal-tier and must not be exposed.
func (c *Catalog) describe(id identity.Identity, entry backend.CatalogEntry) (ToolDescriptor, bool) {
	// Macros always carry the playbook tag; for single actions the tag
	// follows the classified tier, so render provisionally and re-render
	// if the decision disagrees.
	tag := identity.TagTool
	if entry.Macro {
		tag = identity.TagPlaybook
	}
	name := c.resolver.ExternalName(id, tag)
	decision := c.policy.Classify(name)
	if decision.Tier == policy.TierInternal {
		return ToolDescriptor{}, false
	}
	if !entry.Macro && decision.Tier == policy.TierGoverned {
		tag = identity.TagRun
		name = c.resolver.ExternalName(id, tag)
		decision = c.policy.Classify(name)
		if decision.Tier == policy.TierInternal {
			return ToolDescriptor{}, false
		}
	}

	return ToolDescriptor{
		ExternalName: name,
		Canonical:    id.Canonical,
		Pack:         id.Pack,
		Action:       id.Action,
		Description:  entry.Description,
		Tier:         decision.Tier,
		Constraints:  decision.Constraints,
	}, true
}

// List returns the currently exposed tools in catalog order.
func (c *Catalog) List() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDescriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// Lookup finds an exposed tool by its external name.
func (c *Catalog) Lookup(externalName string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.byName[externalName]
	return desc, ok
}

// RefreshedAt reports when the cache was last rebuilt; zero if never.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
