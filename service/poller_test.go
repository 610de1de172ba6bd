package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"StoryToVideo-pipeline/models"
)

func newTestPoller(client *fakeClient, store *memStore, cfg PollerConfig) (*VideoStatusPoller, *int) {
	sleeps := 0
	p := &VideoStatusPoller{
		Client: client,
		Store:  store,
		Config: cfg,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeps++
			return ctx.Err()
		},
	}
	return p, &sleeps
}

func pollingShot(store *memStore, status models.VideoStatus) {
	store.putShot(models.Shot{ID: "s1", VideoJobID: "job-1", VideoStatus: status})
}

func statusWrites(store *memStore) []models.VideoStatus {
	var out []models.VideoStatus
	for _, w := range store.writeLog() {
		if v, ok := w[models.FieldVideoStatus]; ok {
			out = append(out, models.VideoStatus(fmt.Sprint(v)))
		}
	}
	return out
}

func TestPollerConvergesToCompleted(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{
		status("pending", ""),
		status("PROCESSING", ""),
		status("processing", ""),
		status("Completed", "https://cdn/v.mp4"),
	}}
	p, sleeps := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Status != models.VideoCompleted || res.URL != "https://cdn/v.mp4" || res.Attempts != 4 {
		t.Fatalf("result = %+v", res)
	}
	if *sleeps != 4 {
		t.Fatalf("slept %d times, want one per attempt", *sleeps)
	}
	got := statusWrites(store)
	if len(got) != 2 || got[0] != models.VideoProcessing || got[1] != models.VideoCompleted {
		t.Fatalf("status writes = %v", got)
	}
	shot := store.shot(t, "s1")
	if shot.VideoStatus != models.VideoCompleted || shot.VideoURL != "https://cdn/v.mp4" {
		t.Fatalf("shot = %+v", shot)
	}
}

func TestPollerDetailWins(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{{status: &VideoJobStatus{
		Status: "processing",
		Detail: &VideoJobDetail{Status: "completed", URL: "https://cdn/detail.mp4"},
	}}}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.URL != "https://cdn/detail.mp4" {
		t.Fatalf("url = %q", res.URL)
	}
}

func TestPollerCompletedWithoutURLKeepsWaiting(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{
		status("completed", ""),
		status("completed", "https://cdn/v.mp4"),
	}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	got := statusWrites(store)
	if len(got) != 2 || got[0] != models.VideoProcessing || got[1] != models.VideoCompleted {
		t.Fatalf("status writes = %v", got)
	}
}

func TestPollerUnknownStatusIsRetried(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{
		status("queued", ""),
		status("", ""),
		status("completed", "u"),
	}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())
	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if err != nil || res.Status != models.VideoCompleted || res.Attempts != 3 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestPollerNotFoundOnFirstCall(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{pollErr(fmt.Errorf("%w: gone", ErrNotFound))}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if res == nil || res.Status != models.VideoFailed || res.Attempts != 1 {
		t.Fatalf("res = %+v", res)
	}
	if _, _, _, polls := client.calls(); polls != 1 {
		t.Fatalf("not found must not be retried, polled %d times", polls)
	}
	shot := store.shot(t, "s1")
	if shot.VideoStatus != models.VideoFailed || shot.VideoJobID != "" {
		t.Fatalf("shot = %+v", shot)
	}
}

func TestPollerErrorBudget(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoProcessing)
	remoteErr := fmt.Errorf("%w: 502", ErrRemote)
	client := &fakeClient{polls: []pollStep{
		pollErr(remoteErr),
		pollErr(remoteErr),
		pollErr(remoteErr),
		status("processing", ""), // 成功响应重置计数
		pollErr(remoteErr),
		pollErr(remoteErr),
		pollErr(remoteErr),
		pollErr(remoteErr),
	}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoProcessing, noProgress)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v, want wrapped ErrRemote", err)
	}
	if res.Status != models.VideoFailed || res.Attempts != 8 {
		t.Fatalf("res = %+v", res)
	}
	if got := store.shot(t, "s1").VideoStatus; got != models.VideoFailed {
		t.Fatalf("status = %s", got)
	}
}

func TestPollerAttemptCap(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{status("processing", "")}}
	p, sleeps := newTestPoller(client, store, DefaultPollerConfig())

	res, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	if res.Attempts != 120 || *sleeps != 120 {
		t.Fatalf("attempts=%d sleeps=%d", res.Attempts, *sleeps)
	}
	if _, _, _, polls := client.calls(); polls != 120 {
		t.Fatalf("polled %d times", polls)
	}
	got := statusWrites(store)
	if len(got) != 2 || got[0] != models.VideoProcessing || got[1] != models.VideoFailed {
		t.Fatalf("status writes = %v", got)
	}
}

func TestPollerRemoteFailed(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	client := &fakeClient{polls: []pollStep{status("FAILED", "")}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	_, err := p.Poll(context.Background(), "s1", "job-1", models.VideoPending, noProgress)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("err = %v, want ErrJobFailed", err)
	}
	if got := store.shot(t, "s1").VideoStatus; got != models.VideoFailed {
		t.Fatalf("status = %s", got)
	}
}

func TestPollerNeverMovesBackwards(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoProcessing)
	client := &fakeClient{polls: []pollStep{
		status("pending", ""),
		status("completed", "u"),
	}}
	p, _ := newTestPoller(client, store, DefaultPollerConfig())

	if _, err := p.Poll(context.Background(), "s1", "job-1", models.VideoProcessing, noProgress); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	got := statusWrites(store)
	if len(got) != 1 || got[0] != models.VideoCompleted {
		t.Fatalf("status writes = %v", got)
	}
}

func TestPollerCancelLeavesStatus(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoProcessing)
	client := &fakeClient{polls: []pollStep{status("processing", "")}}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := &VideoStatusPoller{
		Client: client,
		Store:  store,
		Sleep: func(ctx context.Context, d time.Duration) error {
			attempts++
			if attempts == 3 {
				cancel()
			}
			return ctx.Err()
		},
	}

	_, err := p.Poll(ctx, "s1", "job-1", models.VideoProcessing, noProgress)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(store.writeLog()) != 0 {
		t.Fatalf("cancel wrote state: %v", store.writeLog())
	}
	if got := store.shot(t, "s1").VideoStatus; got != models.VideoProcessing {
		t.Fatalf("status = %s", got)
	}
}

func TestPollerRealSleepHonorsCancel(t *testing.T) {
	store := newMemStore()
	pollingShot(store, models.VideoPending)
	p := &VideoStatusPoller{Client: &fakeClient{}, Store: store, Config: PollerConfig{Interval: time.Hour}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Poll(ctx, "s1", "job-1", models.VideoPending, noProgress)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}

func TestMapRemoteStatus(t *testing.T) {
	tests := map[string]models.VideoStatus{
		"pending":      models.VideoPending,
		" Processing ": models.VideoProcessing,
		"COMPLETED":    models.VideoCompleted,
		"failed":       models.VideoFailed,
	}
	for in, want := range tests {
		got, ok := MapRemoteStatus(in)
		if !ok || got != want {
			t.Errorf("MapRemoteStatus(%q) = %s, %v", in, got, ok)
		}
	}
	if _, ok := MapRemoteStatus("queued"); ok {
		t.Error("unknown status must not map")
	}
}
