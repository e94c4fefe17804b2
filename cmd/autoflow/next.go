package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/scheduler"
	"github.com/urfave/cli/v3"
)

var ErrNotScheduled = errors.New("automation has no schedule")

// upcoming lists at most count fire times strictly after from.
func upcoming(schedule *models.Schedule, from time.Time, count int) ([]time.Time, error) {
	var times []time.Time

	for len(times) < count {
		next, ok, err := scheduler.NextFireTime(schedule, from)
		if err != nil {
			return nil, err
		}

		if !ok {
			break
		}

		times = append(times, next)
		from = next
	}

	return times, nil
}

func NewNextCommand() *cli.Command {
	return &cli.Command{
		Name:      "next",
		Usage:     "Print the upcoming fire times of a scheduled automation",
		ArgsUsage: "<automation.json>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "How many fire times to print",
				Value:   5,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			automation, err := loadAutomation(command)
			if err != nil {
				return err
			}

			if automation.Trigger.Schedule == nil {
				return ErrNotScheduled
			}

			times, err := upcoming(automation.Trigger.Schedule, time.Now(), command.Int("count"))
			if err != nil {
				return err
			}

			out := command.Root().Writer

			if len(times) == 0 {
				_, _ = fmt.Fprintln(out, "no upcoming fire times")

				return nil
			}

			for _, t := range times {
				_, _ = fmt.Fprintln(out, t.Format(time.RFC3339))
			}

			return nil
		},
	}
}
