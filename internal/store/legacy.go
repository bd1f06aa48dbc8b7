package store

import (
	"encoding/json"
	"os"
	"strings"

	"blastbot/pkg/logx"
)

// legacyEntry matches the old system's per-recipient record shape.
type legacyEntry struct {
	JID string `json:"jid"`
}

// loadLegacySet reads the read-only legacy document. Entries look like
// "919876543210@c.us"; everything after '@' is dropped. A missing file is not
// an error: most deployments never had the old format.
func loadLegacySet(path string, log logx.Logger) map[string]struct{} {
	out := map[string]struct{}{}
	if strings.TrimSpace(path) == "" {
		return out
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("legacy history unreadable", logx.String("path", path), logx.Err(err))
		}
		return out
	}

	var entries []legacyEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		log.Warn("legacy history malformed", logx.String("path", path), logx.Err(err))
		return out
	}
	for _, e := range entries {
		id := e.JID
		if at := strings.IndexByte(id, '@'); at >= 0 {
			id = id[:at]
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out[id] = struct{}{}
		}
	}
	if len(out) > 0 {
		log.Info("legacy history loaded", logx.String("path", path), logx.Int("entries", len(out)))
	}
	return out
}
