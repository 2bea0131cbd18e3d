package alidns

import (
	"context"
	"time"

	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
)

var (
	_ challenge.Provider        = (*LegoProvider)(nil)
	_ challenge.ProviderTimeout = (*LegoProvider)(nil)
)

// LegoProvider adapts a Handler to lego's DNS-01 provider interface.
type LegoProvider struct {
	handler *Handler
	ctx     context.Context
}

// NewLegoProvider binds handler to ctx; lego's interface carries no context.
// Cancelling ctx aborts Present but not CleanUp, so a record created before
// shutdown is still removed.
func NewLegoProvider(ctx context.Context, handler *Handler) *LegoProvider {
	return &LegoProvider{handler: handler, ctx: ctx}
}

func (p *LegoProvider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	return p.handler.Present(p.ctx, domain, info.EffectiveFQDN, info.Value)
}

func (p *LegoProvider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)
	p.handler.Cleanup(context.WithoutCancel(p.ctx), domain, info.EffectiveFQDN, info.Value)
	return nil
}

func (p *LegoProvider) Timeout() (timeout, interval time.Duration) {
	return p.handler.Timeout()
}
