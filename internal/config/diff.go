package config

import (
	"sort"
	"strings"

	"blastbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Paths are reduced to a "set" boolean so log
// lines stay short and never leak operator filesystem layout at info level.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Phone.CountryPrefix) != strings.TrimSpace(newCfg.Phone.CountryPrefix) {
		changed = append(changed, "phone")
		attrs = append(attrs, logx.String("phone.country_prefix", strings.TrimSpace(newCfg.Phone.CountryPrefix)))
	}

	// Storage: nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet, oLegacySet, nLegacySet bool
	if s := oldCfg.Storage; s != nil {
		oDriver = strings.TrimSpace(s.Driver)
		oBusy = strings.TrimSpace(s.BusyTimeout)
		oPathSet = strings.TrimSpace(s.Path) != ""
		oLegacySet = strings.TrimSpace(s.LegacyPath) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver = strings.TrimSpace(s.Driver)
		nBusy = strings.TrimSpace(s.BusyTimeout)
		nPathSet = strings.TrimSpace(s.Path) != ""
		nLegacySet = strings.TrimSpace(s.LegacyPath) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oLegacySet != nLegacySet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Bool("storage.legacy_set", nLegacySet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Contacts != newCfg.Contacts {
		changed = append(changed, "contacts")
		attrs = append(attrs,
			logx.Bool("contacts.path_set", strings.TrimSpace(newCfg.Contacts.Path) != ""),
			logx.String("contacts.phone_column", strings.TrimSpace(newCfg.Contacts.PhoneColumn)),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.cooldown", strings.TrimSpace(newCfg.Dispatch.Cooldown)),
			logx.String("dispatch.send_delay_base", strings.TrimSpace(newCfg.Dispatch.SendDelayBase)),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Bool("dispatch.template_set", strings.TrimSpace(newCfg.Dispatch.MessageTemplate) != ""),
			logx.Bool("dispatch.attachment_set", strings.TrimSpace(newCfg.Dispatch.AttachmentPath) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
