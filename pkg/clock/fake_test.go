package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Minute, func() { fired++ })

	c.Advance(4 * time.Minute)
	if fired != 0 {
		t.Fatalf("clock:fake_test - fired early")
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("clock:fake_test - fired = %d, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("clock:fake_test - one-shot fired again: %d", fired)
	}
}

func TestFake_StopPreventsCallback(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("clock:fake_test - Stop on pending timer should return true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("clock:fake_test - stopped timer fired")
	}
	if timer.Stop() {
		t.Error("clock:fake_test - second Stop should return false")
	}
}

func TestFake_CallbackSeesDeadlineTime(t *testing.T) {
	c := Fake(epoch)
	var seen time.Time
	c.AfterFunc(10*time.Second, func() { seen = c.Now() })
	c.Advance(time.Minute)
	if !seen.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("clock:fake_test - callback saw %v, want %v", seen, epoch.Add(10*time.Second))
	}
	if !c.Now().Equal(epoch.Add(time.Minute)) {
		t.Errorf("clock:fake_test - Now = %v after advance", c.Now())
	}
}

func TestFake_Ticker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(15 * time.Second)
	defer ticker.Stop()

	c.Advance(15 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("clock:fake_test - expected a tick")
	}

	c.Advance(45 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("clock:fake_test - expected a tick after falling behind")
	}
	select {
	case <-ticker.C():
		t.Fatal("clock:fake_test - ticks should be dropped, not queued")
	default:
	}
}

func TestFake_BlockUntil(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.BlockUntil(1)
		close(done)
	}()
	c.AfterFunc(time.Second, func() {})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("clock:fake_test - BlockUntil did not return")
	}
}
