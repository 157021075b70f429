// internal/scraper/remedial.go
package scraper

import (
	"context"
	"time"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/proxy"
)

// remediate applies the highest-ranked action that is feasible in the
// current situation. Actions that cannot apply (no pool to rotate, no other
// geography, no further rung) fall through to the next one.
func (c *Coordinator) remediate(ctx context.Context, v antidetect.Verdict, st *attemptState, ident *proxy.Identity) {
	for _, a := range v.SuggestedActions {
		if c.apply(ctx, a, st, ident) {
			c.recorder.RemedialAction(string(a.Type))
			c.logger.WithField("url", st.target.URL).Debugf("remedial action %s applied", a.Type)
			return
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, a antidetect.Action, st *attemptState, ident *proxy.Identity) bool {
	switch a.Type {
	case antidetect.ActionRotateProxy, antidetect.ActionRotateSession:
		// Release already dropped the session binding on a blocked outcome.
		if ident == nil {
			return false
		}
		st.exclude = appendUnique(st.exclude, ident.ID)
		return true

	case antidetect.ActionSwitchGeo:
		if c.proxies == nil {
			return false
		}
		current := st.geo
		if current == "" && ident != nil {
			current = ident.Geo
		}
		next := nextGeo(c.proxies.Geos(), current)
		if next == "" {
			return false
		}
		st.geo = next
		if ident != nil {
			st.exclude = appendUnique(st.exclude, ident.ID)
		}
		return true

	case antidetect.ActionResetFingerprint:
		c.fingerprints.Reset(st.fpKey)
		return true

	case antidetect.ActionBackoff:
		d := a.Delay
		if d <= 0 {
			d = c.config.DefaultBackoff
		}
		if d > c.config.MaxBackoff {
			d = c.config.MaxBackoff
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= d {
			return false
		}
		return c.sleep(ctx, d) == nil

	case antidetect.ActionEscalateStrategy:
		if st.rung+1 >= len(st.ladder) {
			return false
		}
		st.escalate = true
		return true
	}
	return false
}

// nextGeo returns the geography after current in the sorted list, wrapping
// around, or "" when there is no other one.
func nextGeo(geos []string, current string) string {
	if len(geos) == 0 {
		return ""
	}
	for i, g := range geos {
		if g == current {
			if len(geos) == 1 {
				return ""
			}
			return geos[(i+1)%len(geos)]
		}
	}
	return geos[0]
}
