package app

import (
	"fmt"

	"github.com/tiffany0xlapoinp/Railroad-FHE/internal/state"
)

// Protocol floor: the owner cannot lower the throttle to spam levels.
const minCooldownSecs uint64 = 10

const defaultCooldownSecs uint64 = 60

// checkAndRecordCooldown throttles an actor's state-mutating calls to one per
// cooldown interval. It stamps LastAction immediately; callers run it on the
// staged state, so the stamp is discarded along with everything else if the tx
// fails later.
func checkAndRecordCooldown(m *state.Market, actor string, nowUnix int64) error {
	if actor == "" {
		return fmt.Errorf("missing actor")
	}
	if last, ok := m.LastAction[actor]; ok {
		next := last + int64(m.CooldownSecs)
		if nowUnix < next {
			return fmt.Errorf("cooldown active: retry in %ds", next-nowUnix)
		}
	}
	m.LastAction[actor] = nowUnix
	return nil
}
