// Package storage is the bot's persistence layer: a flat collection of
// records distinguished by a kind discriminator.
//
// Two kinds exist today:
//   - destination_mapping: which named destination a feed category posts to
//   - seen_item: one processed feed entry and whether it was delivered
//
// The layout is additive-only. Backends are selected by Config.Driver.
package storage
