package orchestrator

import (
	"github.com/robfig/cron/v3"
)

// startCheckpointCron starts a wall-clock-scheduled status.snapshot
// checkpoint independent of iteration boundaries, for runs where
// iterations are long enough that an in-progress crash could lose more
// than a tick's worth of state. A nil return means no cron expression was
// configured; the caller does not need to stop it.
func (o *Orchestrator) startCheckpointCron() *cron.Cron {
	if o.cfg.CheckpointCron == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(o.cfg.CheckpointCron, func() {
		if err := o.writeStatusSnapshot(); err != nil {
			o.log.Warnf("scheduled checkpoint failed: %v", err)
		}
	})
	if err != nil {
		o.log.Warnf("invalid checkpoint_cron %q, periodic checkpoints disabled: %v", o.cfg.CheckpointCron, err)
		return nil
	}
	c.Start()
	return c
}
