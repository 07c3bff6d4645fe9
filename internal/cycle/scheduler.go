package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultSchedule runs a cycle every 30 seconds.
const DefaultSchedule = "*/30 * * * * *"

// Scheduler triggers RunCycle per pair on a seconds-resolution cron spec.
type Scheduler struct {
	runner *Runner
	cron   *cron.Cron
	ctx    context.Context
}

// NewScheduler registers one job per entry of schedules (pair symbol → cron
// spec). Cycles run with ctx, so cancelling it shuts in-flight cycles down.
func NewScheduler(ctx context.Context, r *Runner, schedules map[string]string) (*Scheduler, error) {
	s := &Scheduler{
		runner: r,
		cron:   cron.New(cron.WithSeconds()),
		ctx:    ctx,
	}
	for _, symbol := range r.Pairs() {
		spec := strings.TrimSpace(schedules[symbol])
		if spec == "" {
			spec = DefaultSchedule
		}
		if _, err := s.cron.AddFunc(spec, func() { s.tick(symbol) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, symbol, err)
		}
		log.WithFields(log.Fields{"pair": symbol, "schedule": spec}).Info("Cycle scheduled")
	}
	return s, nil
}

func (s *Scheduler) tick(symbol string) {
	if s.ctx.Err() != nil {
		return
	}
	_, err := s.runner.RunCycle(s.ctx, symbol)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy):
		log.WithField("pair", symbol).Warn("Previous cycle still running, skipping tick")
	case errors.Is(err, ErrPaused):
		log.WithField("pair", symbol).Debug("Pair paused, skipping tick")
	}
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new cycles and blocks until running ones finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ControlQueue carries start/stop requests for pair loops.
const ControlQueue = "cycle_control"

// ControlMessage is one start/stop request.
type ControlMessage struct {
	Action string `json:"action"`
	Pair   string `json:"pair"`
}

// ControlHandler applies control messages to r. Malformed messages and unknown
// pairs are logged and acknowledged so they are not redelivered.
func ControlHandler(r *Runner) func([]byte) error {
	return func(body []byte) error {
		var msg ControlMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			log.WithField("error", err.Error()).Warn("Dropping malformed control message")
			return nil
		}
		logger := log.WithFields(log.Fields{"pair": msg.Pair, "action": msg.Action})

		var err error
		switch strings.ToLower(strings.TrimSpace(msg.Action)) {
		case "start":
			err = r.Resume(msg.Pair)
		case "stop":
			err = r.Pause(msg.Pair, "stopped by operator")
		default:
			logger.Warn("Dropping control message with unknown action")
			return nil
		}
		if err != nil {
			logger.WithField("error", err.Error()).Warn("Control message rejected")
			return nil
		}
		logger.Info("Control message applied")
		return nil
	}
}
