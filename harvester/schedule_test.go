package harvester

import (
	"testing"
	"time"

	"github.com/crossretail/harvester/models"
)

func TestScheduleQueueOrdersByNotBefore(t *testing.T) {
	q := newScheduleQueue()
	now := time.Now()

	later := models.NewHarvestRequest("later", "shop", "https://shop.test/2")
	later.NotBefore = now.Add(time.Hour)
	q.Push(later)

	immediate := models.NewHarvestRequest("now", "shop", "https://shop.test/1")
	q.Push(immediate)

	soon := models.NewHarvestRequest("soon", "shop", "https://shop.test/3")
	soon.NotBefore = now.Add(time.Minute)
	q.Push(soon)

	req, wait := q.Next(now)
	if req == nil || req.ID != "now" {
		t.Fatalf("first pop = %v, want the immediately eligible request", req)
	}
	if wait != 0 {
		t.Fatalf("wait = %s, want 0", wait)
	}

	req, wait = q.Next(now)
	if req != nil {
		t.Fatalf("pop = %+v, want nil before NotBefore", req)
	}
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("wait = %s, want the soonest remaining delay", wait)
	}

	req, _ = q.Next(now.Add(2 * time.Minute))
	if req == nil || req.ID != "soon" {
		t.Fatalf("pop = %v, want soon before later", req)
	}
}

func TestScheduleQueueCancel(t *testing.T) {
	q := newScheduleQueue()
	req := models.NewHarvestRequest("r1", "shop", "https://shop.test/1")
	req.NotBefore = time.Now().Add(time.Hour)
	q.Push(req)

	if !q.Cancel("r1") {
		t.Fatalf("cancel of a queued request must succeed")
	}
	if q.Cancel("r1") {
		t.Fatalf("second cancel must report not-found")
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d, want 0", q.Len())
	}
	if popped, _ := q.Next(time.Now().Add(2 * time.Hour)); popped != nil {
		t.Fatalf("cancelled request was dispatched: %+v", popped)
	}
}

func TestScheduleQueueWakeSignal(t *testing.T) {
	q := newScheduleQueue()
	q.Push(models.NewHarvestRequest("r1", "shop", "https://shop.test/1"))

	select {
	case <-q.wake:
	default:
		t.Fatalf("push must signal the wake channel")
	}
}

func TestScheduleQueueEmpty(t *testing.T) {
	q := newScheduleQueue()
	req, wait := q.Next(time.Now())
	if req != nil || wait != 0 {
		t.Fatalf("empty queue returned %v/%s", req, wait)
	}
}
