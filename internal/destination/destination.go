// Package destination maps feed categories to destination names and
// destination names to chats.
package destination

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"newsbot/internal/transport"
	logx "newsbot/pkg/logx"
)

// Default is used when a category has no mapping.
const Default = "general"

// MappingReader is the part of the dedup store the resolver needs.
type MappingReader interface {
	GetDestination(ctx context.Context, category string) (string, bool, error)
}

type Resolver struct {
	store MappingReader
	log   logx.Logger
}

func NewResolver(store MappingReader, log logx.Logger) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve returns the destination name for category, or Default when none
// is configured. It never fails: a store error is logged and answered with
// Default.
func (r *Resolver) Resolve(ctx context.Context, category string) string {
	name, ok, err := r.store.GetDestination(ctx, category)
	if err != nil {
		r.log.Warn("destination lookup failed; using default",
			logx.String("category", category), logx.String("default", Default), logx.Err(err))
		return Default
	}
	if !ok {
		return Default
	}
	return name
}

// Directory resolves destination names to chat targets. The content comes
// from config and is replaced wholesale on reload.
type Directory struct {
	mu      sync.RWMutex
	targets map[string]transport.ChatTarget
}

func NewDirectory(targets map[string]transport.ChatTarget) *Directory {
	d := &Directory{}
	d.Replace(targets)
	return d
}

func (d *Directory) Replace(targets map[string]transport.ChatTarget) {
	next := make(map[string]transport.ChatTarget, len(targets))
	for name, t := range targets {
		next[normalize(name)] = t
	}
	d.mu.Lock()
	d.targets = next
	d.mu.Unlock()
}

// Lookup is case-insensitive and tolerates a leading '#'.
func (d *Directory) Lookup(name string) (transport.ChatTarget, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.targets[normalize(name)]
	return t, ok
}

// Names returns the known destination names, sorted.
func (d *Directory) Names() []string {
	d.mu.RLock()
	names := lo.Keys(d.targets)
	d.mu.RUnlock()
	slices.Sort(names)
	return names
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// Normalize is the canonical spelling stored for a destination name.
func Normalize(name string) string { return normalize(name) }
