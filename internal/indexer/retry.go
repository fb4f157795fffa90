// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"
)

// RetryConfig bounds how often a transient failure is retried. Attempts counts
// the first try.
type RetryConfig struct {
	Attempts     uint          `toml:"attempts" mapstructure:"attempts"`
	InitialDelay time.Duration `toml:"initialDelay" mapstructure:"initialDelay"`
	MaxDelay     time.Duration `toml:"maxDelay" mapstructure:"maxDelay"`
	MaxJitter    time.Duration `toml:"maxJitter" mapstructure:"maxJitter"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:     3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxJitter:    250 * time.Millisecond,
	}
}

func (c RetryConfig) normalize() RetryConfig {
	def := DefaultRetryConfig()
	if c.Attempts == 0 {
		c.Attempts = def.Attempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxJitter <= 0 {
		// RandomDelay needs a positive jitter
		c.MaxJitter = time.Millisecond
	}
	return c
}

// Do runs fn until it succeeds, returns a non-transient error, the attempts
// run out or ctx ends. The attempt number passed to fn starts at 1.
func (c RetryConfig) Do(ctx context.Context, service string, fn func(ctx context.Context, attempt uint) error) error {
	c = c.normalize()

	var attempt uint
	var last error
	err := retry.Do(
		func() error {
			attempt++
			last = fn(ctx, attempt)
			return last
		},
		retry.Context(ctx),
		retry.Attempts(c.Attempts),
		retry.Delay(c.InitialDelay),
		retry.MaxDelay(c.MaxDelay),
		retry.MaxJitter(c.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && IsTransient(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("indexer", service).Uint("attempt", n+1).Msg("retrying transient failure")
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && last == nil {
		return ctxErr
	}
	if last != nil {
		return last
	}
	return err
}
