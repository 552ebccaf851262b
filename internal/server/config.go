package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/analyst/pkg/pipeline"
	"github.com/malbeclabs/analyst/pkg/policy"
	"github.com/malbeclabs/analyst/pkg/turn"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultRequestTimeout    = 2 * time.Minute
)

type TurnHandler interface {
	Handle(ctx context.Context, sessionID, message string) turn.Response
}

type Planner interface {
	Plan(ctx context.Context, message string, history []string) pipeline.Plan
}

type Config struct {
	Logger     *slog.Logger
	Controller TurnHandler
	Planner    Planner
	Model      *policy.Model

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RequestTimeout    time.Duration
	AllowedTokens     []string // Bearer tokens allowed for MCP endpoint authentication
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Controller == nil {
		return errors.New("controller is required")
	}
	if c.Planner == nil {
		return errors.New("planner is required")
	}
	if c.Model == nil {
		return errors.New("policy model is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return nil
}
