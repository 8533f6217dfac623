package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
)

// authorityGate bounds authority checks with a timeout. Errors and timeouts
// deny.
type authorityGate struct {
	authority Authority
	timeout   time.Duration
	log       *logger.Logger
}

func (g *authorityGate) allowed(ctx context.Context, req AuthorityRequest) bool {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	ok, err := g.authority.CheckAuthority(ctx, req)
	if err != nil {
		g.log.Warn().Err(err).
			Str("user_id", req.UserID).
			Str("permission", req.Permission).
			Str("location_id", req.LocationID).
			Msg("Authority check failed; denying")
		return false
	}
	return ok
}
