package config

import (
	"reflect"
	"slices"

	logx "newsbot/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two
// configs, plus log fields describing the new values. Secrets (bot token,
// ops token) are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		fields  []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog || !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", nt.GroupLog != 0),
		)
	}
	if ot.Token != nt.Token {
		changed = append(changed, "telegram.token")
	}
	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		changed = append(changed, "destinations")
		fields = append(fields, logx.Int("destinations.count", len(newCfg.Destinations)))
	}
	if !reflect.DeepEqual(oldCfg.Feeds, newCfg.Feeds) {
		changed = append(changed, "feeds")
		fields = append(fields,
			logx.String("feeds.filings.schedule", newCfg.Feeds.Filings.Schedule),
			logx.String("feeds.press.schedule", newCfg.Feeds.Press.Schedule),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		fields = append(fields, logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	oo, no := oldCfg.Ops, newCfg.Ops
	oo.Token, no.Token = "", ""
	if oo != no || (oldCfg.Ops.Token == "") != (newCfg.Ops.Token == "") {
		changed = append(changed, "ops")
		fields = append(fields, logx.Bool("ops.enabled", newCfg.Ops.Enabled), logx.String("ops.addr", newCfg.Ops.Addr))
	}

	slices.Sort(changed)
	return changed, fields
}

// RequiresRestart reports sections that cannot be applied to a running
// process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram.token", "storage", "ops":
			out = append(out, c)
		}
	}
	return out
}
