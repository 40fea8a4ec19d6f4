package progress_test

import (
	"context"
	"testing"

	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/progress"
)

func TestProgressIdleMailboxReturnsZero(t *testing.T) {
	t.Parallel()

	p := engine.NewSoftProvider(8)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	var completions int
	pu := progress.New(p, progress.Callbacks{
		OnTaskComplete: func(engine.TaskID, engine.TaskOutcome, error) {
			completions++
		},
	})

	n := pu.Progress(context.Background(), 10)
	if n != 0 {
		t.Fatalf("expected 0 events on an idle mailbox, got %d", n)
	}
}

func TestProgressRespectsBatchCap(t *testing.T) {
	t.Parallel()

	p := engine.NewSoftProvider(8)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	pu := progress.New(p, progress.Callbacks{})

	n := pu.Progress(context.Background(), 0)
	if n != 0 {
		t.Fatalf("expected 0 with a zero batch cap, got %d", n)
	}
}
