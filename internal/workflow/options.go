package workflow

import (
	"strings"
	"time"

	"github.com/rpggio/qcflow/internal/config"
	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/domain/session"
)

// Options configures an Engine.
type Options struct {
	OverdueTolerance     time.Duration
	AutoResetDelay       time.Duration
	AutoResetAfterQC     bool
	SweepInterval        time.Duration
	AbortStepsOnShutdown bool
	Tracker              qcstep.Options
	Registry             session.Options
}

// DefaultSweepInterval is used when Options.SweepInterval is unset.
const DefaultSweepInterval = time.Minute

// OptionsFromConfig converts validated engine configuration.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	byPriority := make(map[qcstep.Priority]int, len(cfg.EstimatedMinutesByPriority))
	for p, m := range cfg.EstimatedMinutesByPriority {
		byPriority[qcstep.Priority(p)] = m
	}
	byCategory := make(map[string]int, len(cfg.EstimatedMinutesByCategory))
	for c, m := range cfg.EstimatedMinutesByCategory {
		byCategory[strings.ToUpper(strings.TrimSpace(c))] = m
	}
	estimator := qcstep.NewEstimator(cfg.DefaultEstimatedMinutes, byPriority, byCategory, cfg.RushMarkers)

	return Options{
		OverdueTolerance:     cfg.OverdueTolerance(),
		AutoResetDelay:       cfg.AutoResetDelay(),
		AutoResetAfterQC:     cfg.AutoSessionResetAfterQC,
		SweepInterval:        cfg.SweepInterval(),
		AbortStepsOnShutdown: cfg.AbortStepsOnShutdown,
		Tracker: qcstep.Options{
			Estimator:                   estimator,
			MaxParallelPerSession:       cfg.MaxParallelStepsPerSession,
			MaxParallelGlobal:           cfg.MaxParallelStepsGlobal,
			TerminalGrace:               cfg.TerminalGrace(),
			ResetSessionAfterCompletion: cfg.AutoSessionResetAfterQC,
		},
		Registry: session.Options{
			TypePriority: cfg.SessionTypePriority,
		},
	}
}
