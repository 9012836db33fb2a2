package ops

import (
	"context"
	"time"

	"github.com/Rajchodisetti/swing-trader/internal/observ"
)

// Step is one best-effort shutdown action. Local steps do no network I/O
// and still run from a reserved slice of the budget after a remote step
// has used up the rest.
type Step struct {
	Name  string
	Run   func(ctx context.Context) error
	Local bool
}

type ShutdownReport struct {
	Completed []string          `json:"completed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// reserveFor is the part of timeout held back for local steps.
func reserveFor(timeout time.Duration, steps []Step) time.Duration {
	for _, st := range steps {
		if st.Local {
			return min(timeout/10, time.Second)
		}
	}
	return 0
}

// runStep runs st under ctx and reports whether it returned in time.
func runStep(ctx context.Context, st Step, rep *ShutdownReport) bool {
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			rep.Failed[st.Name] = err.Error()
			observ.Error("shutdown_step_failed", err, map[string]any{"step": st.Name})
		} else {
			rep.Completed = append(rep.Completed, st.Name)
		}
		return true
	case <-ctx.Done():
		rep.Failed[st.Name] = ctx.Err().Error()
		return false
	}
}

// RunShutdown runs steps in order under one deadline. A step that outlives
// the deadline is abandoned; the remaining remote steps are skipped and the
// remaining local steps run from the reserve.
func RunShutdown(parent context.Context, timeout time.Duration, steps ...Step) ShutdownReport {
	start := time.Now()
	reserve := reserveFor(timeout, steps)
	base := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(base, timeout-reserve)
	defer cancel()

	rep := ShutdownReport{Failed: map[string]string{}}
	for i, st := range steps {
		if runStep(ctx, st, &rep) {
			continue
		}
		rctx, rcancel := context.WithTimeout(base, reserve)
		defer rcancel()
		for _, rest := range steps[i+1:] {
			if !rest.Local {
				rep.Skipped = append(rep.Skipped, rest.Name)
				continue
			}
			runStep(rctx, rest, &rep)
		}
		rep.Elapsed = time.Since(start)
		observ.Warn("shutdown_timeout", map[string]any{
			"step": st.Name, "completed": rep.Completed, "skipped": rep.Skipped, "elapsed_ms": rep.Elapsed.Milliseconds(),
		})
		return rep
	}
	rep.Elapsed = time.Since(start)
	observ.Log("shutdown_complete", map[string]any{"completed": rep.Completed, "failed": len(rep.Failed), "elapsed_ms": rep.Elapsed.Milliseconds()})
	return rep
}
