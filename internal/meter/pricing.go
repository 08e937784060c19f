package meter

import (
	"encoding/json"
	"fmt"
	"os"
)

// AvatarPricing is the billing config for one persona.
type AvatarPricing struct {
	PerMinuteRate int64 `json:"per_minute_rate"`
}

// Pricing maps avatar ids to their billing config. Loaded once at
// startup; rates are validated at load time so a misconfigured persona
// fails fast instead of metering at zero.
type Pricing map[string]AvatarPricing

// ParsePricing decodes and validates a pricing document of the form
// {"avatar-id": {"per_minute_rate": 10}, ...}.
func ParsePricing(data []byte) (Pricing, error) {
	var p Pricing
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}
	if len(p) == 0 {
		return nil, fmt.Errorf("pricing config is empty")
	}
	for avatarID, cfg := range p {
		if cfg.PerMinuteRate <= 0 {
			return nil, fmt.Errorf("avatar %q has invalid per_minute_rate %d", avatarID, cfg.PerMinuteRate)
		}
	}
	return p, nil
}

// LoadPricing reads and validates a pricing config file.
func LoadPricing(path string) (Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}
	return ParsePricing(data)
}

// Rate returns the per-minute rate for an avatar.
func (p Pricing) Rate(avatarID string) (int64, error) {
	cfg, ok := p[avatarID]
	if !ok {
		return 0, fmt.Errorf("no pricing configured for avatar %q", avatarID)
	}
	return cfg.PerMinuteRate, nil
}
