// internal/antidetect/actions.go
package antidetect

import (
	"sort"
	"time"
)

// ActionType is a remedial step the coordinator can take before retrying.
type ActionType string

const (
	ActionRotateProxy      ActionType = "rotate_proxy"
	ActionSwitchGeo        ActionType = "switch_geo"
	ActionResetFingerprint ActionType = "reset_fingerprint"
	ActionBackoff          ActionType = "backoff"
	ActionRotateSession    ActionType = "rotate_session"
	ActionEscalateStrategy ActionType = "escalate_strategy"
)

// Action is one ranked suggestion. Delay is only set for backoff.
type Action struct {
	Type     ActionType    `json:"type"`
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay,omitempty"`
}

var actionTable = map[BlockType][]Action{
	BlockIPBlock: {
		{Type: ActionRotateProxy, Priority: 100},
		{Type: ActionSwitchGeo, Priority: 80},
		{Type: ActionResetFingerprint, Priority: 60},
	},
	BlockGeoBlock: {
		{Type: ActionSwitchGeo, Priority: 100},
		{Type: ActionRotateProxy, Priority: 70},
	},
	BlockRateLimit: {
		{Type: ActionBackoff, Priority: 100},
		{Type: ActionRotateProxy, Priority: 80},
		{Type: ActionRotateSession, Priority: 50},
	},
	BlockCaptcha: {
		{Type: ActionEscalateStrategy, Priority: 100},
		{Type: ActionRotateProxy, Priority: 80},
		{Type: ActionResetFingerprint, Priority: 70},
	},
	BlockBotDetected: {
		{Type: ActionResetFingerprint, Priority: 100},
		{Type: ActionEscalateStrategy, Priority: 90},
		{Type: ActionRotateProxy, Priority: 80},
	},
	BlockTarpit: {
		{Type: ActionRotateProxy, Priority: 100},
		{Type: ActionBackoff, Priority: 50},
	},
	BlockMaintenance: {
		{Type: ActionBackoff, Priority: 100},
	},
	BlockContentMismatch: {
		{Type: ActionEscalateStrategy, Priority: 100},
		{Type: ActionRotateProxy, Priority: 60},
	},
}

// RemedialActions returns the ranked actions for a block type, highest
// priority first. Backoff delays use retryAfter when known.
func RemedialActions(bt BlockType, retryAfter, defaultBackoff time.Duration) []Action {
	base := actionTable[bt]
	if len(base) == 0 {
		return nil
	}
	out := make([]Action, len(base))
	copy(out, base)
	for i := range out {
		if out[i].Type != ActionBackoff {
			continue
		}
		switch {
		case retryAfter > 0:
			out[i].Delay = retryAfter
		case bt == BlockMaintenance:
			out[i].Delay = 15 * defaultBackoff
		default:
			out[i].Delay = defaultBackoff
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
