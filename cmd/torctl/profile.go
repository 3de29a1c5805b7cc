package main

import (
	"context"

	"github.com/danmuck/torctl/internal/config"
	"github.com/danmuck/torctl/internal/logging"
	"github.com/danmuck/torctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// profile loads the profile named by --config, or the defaults, and applies
// the --control override.
func (o *globalOptions) profile() (config.Profile, error) {
	p := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Profile{}, err
		}
		p = loaded
	}
	if o.control != "" {
		p.Control.Address = o.control
	}
	if o.logLevel == "" && p.Log.Level != "" {
		logging.SetLevel(p.Log.Level)
	}
	return p, nil
}

// connect returns a Ready controller for the effective profile.
func (o *globalOptions) connect(ctx context.Context) (*session.Controller, config.Profile, error) {
	p, err := o.profile()
	if err != nil {
		return nil, config.Profile{}, err
	}
	cfg, err := p.SessionConfig()
	if err != nil {
		return nil, config.Profile{}, err
	}
	target, err := p.Target()
	if err != nil {
		return nil, config.Profile{}, err
	}

	ctrl := session.New(cfg, session.WithLogger(log.Logger))
	if err := ctrl.Configure(ctx, target); err != nil {
		_ = ctrl.Close()
		return nil, config.Profile{}, err
	}
	return ctrl, p, nil
}

func (o *globalOptions) commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}
