package service

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

func NewScheduler() gocron.Scheduler {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal(err)
	}
	return scheduler
}

type TrainSweeper interface {
	ProcessTrains(ctx context.Context) error
}

// ScheduleSweep runs ProcessTrains every interval. A sweep still running when
// the next one is due is not started twice.
func ScheduleSweep(
	scheduler gocron.Scheduler,
	sweeper TrainSweeper,
	interval time.Duration,
) (gocron.Job, error) {
	return scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := sweeper.ProcessTrains(context.Background()); err != nil {
				log.Println("err sweeping merge trains: ", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("merge-train-sweep"),
	)
}
