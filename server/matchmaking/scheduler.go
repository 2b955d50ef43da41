package matchmaking

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartScheduler runs Sweep every interval until Shutdown is called on the
// returned scheduler.
func (p *Processor) StartScheduler(ctx context.Context, every time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			sctx, cancel := context.WithTimeout(ctx, every)
			defer cancel()
			if _, err := p.Sweep(sctx); err != nil {
				log.Printf("[sweep] %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}
	sched.Start()
	return sched, nil
}
