package dashboard

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "dashboard")

// Dashboard redraws a snapshot of its sources every interval.
type Dashboard struct {
	src      Sources
	interval time.Duration
}

func New(src Sources, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Dashboard{src: src, interval: interval}
}

// Run takes over the terminal until the user quits or ctx is done.
func (d *Dashboard) Run(ctx context.Context, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updateCh := make(chan *Snapshot, 1)
	go d.feed(ctx, updateCh)

	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	program := tea.NewProgram(newModel(updateCh), opts...)
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "dashboard")
	}
	log.Debug("dashboard closed")
	return nil
}

func (d *Dashboard) feed(ctx context.Context, out chan *Snapshot) {
	defer close(out)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	push := func() {
		snap := Collect(d.src)
		select {
		case out <- snap:
		default:
			// drop the stale frame and queue the fresh one
			select {
			case <-out:
			default:
			}
			select {
			case out <- snap:
			default:
			}
		}
	}
	push()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			push()
		}
	}
}
