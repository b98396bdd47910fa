package worker

import "time"

// timer is a stoppable one-shot whose channel is nil while idle, so a select
// on it blocks forever instead of firing.
type timer struct {
	t *time.Timer
}

func newTimer() *timer { return &timer{} }

func (t *timer) c() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t *timer) reset(d time.Duration) {
	t.stop()
	if d < 0 {
		d = 0
	}
	t.t = time.NewTimer(d)
}

// fired marks the timer idle after its channel delivered.
func (t *timer) fired() { t.t = nil }

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
