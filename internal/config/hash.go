package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the decoded config, so edits that only touch
// whitespace, comments or key order do not count as a reload. Zero means
// "no config".
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
