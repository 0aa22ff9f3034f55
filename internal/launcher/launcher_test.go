package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
)

type fakeFleet struct {
	mu        sync.Mutex
	image     string
	imageErr  error
	createErr error
	creates   int
	lastSpec  domain.WorkerSpec
	// states are returned in order; the last one repeats.
	states   []string
	stateErr []error
	polls    int
}

func (f *fakeFleet) GetCurrentImage(_ context.Context) (string, error) {
	return f.image, f.imageErr
}

func (f *fakeFleet) Create(_ context.Context, spec domain.WorkerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.lastSpec = spec
	if f.createErr != nil {
		return "", f.createErr
	}
	return fmt.Sprintf("worker-%d", f.creates), nil
}

func (f *fakeFleet) GetState(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if i < len(f.stateErr) && f.stateErr[i] != nil {
		return "", f.stateErr[i]
	}
	if len(f.states) == 0 {
		return "", nil
	}
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	return f.states[i], nil
}

func (f *fakeFleet) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeRooms struct {
	createErr error
	tokenErr  error
	// failTokenCall fails only the nth GetToken call (1-based).
	failTokenCall int
	calls         int
	tokens        int
}

func (r *fakeRooms) CreateRoom(_ context.Context, _ domain.RoomOptions) (domain.Room, error) {
	if r.createErr != nil {
		return domain.Room{}, r.createErr
	}
	return domain.Room{Name: "abc", URL: "https://example.daily.co/abc"}, nil
}

func (r *fakeRooms) GetRoomByURL(_ context.Context, url string) (domain.Room, error) {
	return domain.Room{Name: "abc", URL: url}, nil
}

func (r *fakeRooms) GetToken(_ context.Context, _ string, _ time.Duration) (string, error) {
	r.calls++
	if r.tokenErr != nil && (r.failTokenCall == 0 || r.failTokenCall == r.calls) {
		return "", r.tokenErr
	}
	r.tokens++
	return fmt.Sprintf("token-%d", r.tokens), nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	records  map[string]*domain.SessionRecord
	orphans  map[string]string
	statuses []domain.SessionStatus
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: map[string]*domain.SessionRecord{}, orphans: map[string]string{}}
}

func (r *fakeRegistry) CreateSession(_ context.Context, rec *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	r.statuses = append(r.statuses, rec.Status)
	return nil
}

func (r *fakeRegistry) UpdateSession(_ context.Context, id string, status domain.SessionStatus, workerID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id].Status = status
	r.records[id].WorkerID = workerID
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *fakeRegistry) ReportOrphan(_ context.Context, sessionID, workerID string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphans[sessionID] = workerID
	r.statuses = append(r.statuses, domain.SessionOrphaned)
	return nil
}

func fastSpawn() SpawnConfig {
	return SpawnConfig{
		Deadline:       time.Second,
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		CallTimeout:    100 * time.Millisecond,
	}
}

func TestSpawnWaitsForStarted(t *testing.T) {
	fleet := &fakeFleet{image: "registry.fly.io/mds:v3", states: []string{"created", "starting", "started"}}
	s := NewSpawner(fleet, fastSpawn(), nil)

	spec := domain.WorkerSpec{Command: []string{"worker"}}
	handle, err := s.Spawn(context.Background(), "https://room", "tok", spec, 0)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if handle.ID != "worker-1" || handle.Image != "registry.fly.io/mds:v3" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if fleet.pollCount() != 3 {
		t.Fatalf("expected 3 polls, got %d", fleet.pollCount())
	}
	want := []string{"worker", "-u", "https://room", "-t", "tok"}
	if fmt.Sprint(fleet.lastSpec.Command) != fmt.Sprint(want) {
		t.Fatalf("unexpected command %v", fleet.lastSpec.Command)
	}
	if len(spec.Command) != 1 {
		t.Fatal("caller spec command was modified")
	}
}

func TestSpawnNeverSucceedsOnOtherTerminalStates(t *testing.T) {
	for _, state := range []string{"stopped", "destroyed", "failed", "replacing"} {
		t.Run(state, func(t *testing.T) {
			fleet := &fakeFleet{image: "img", states: []string{state}}
			s := NewSpawner(fleet, fastSpawn(), nil)

			handle, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 0)
			if !errors.Is(err, ErrSpawnTimeout) {
				t.Fatalf("expected ErrSpawnTimeout, got %v", err)
			}
			var spawnErr *SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("expected *SpawnError, got %T", err)
			}
			if spawnErr.WorkerID != "worker-1" || spawnErr.Attempts != 5 || spawnErr.LastState != state {
				t.Fatalf("unexpected spawn error %+v", spawnErr)
			}
			if handle.ID != "worker-1" {
				t.Fatalf("expected worker id on failure, got %+v", handle)
			}
		})
	}
}

func TestSpawnTimesOutAtDeadline(t *testing.T) {
	fleet := &fakeFleet{image: "img", states: []string{"starting"}}
	cfg := fastSpawn()
	cfg.MaxAttempts = 1000
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	s := NewSpawner(fleet, cfg, nil)

	start := time.Now()
	_, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 40*time.Millisecond)
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("expected ErrSpawnTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deadline not honored, took %v", elapsed)
	}
	if fleet.pollCount() >= 1000 {
		t.Fatal("expected deadline to stop polling before the attempt cap")
	}
}

func TestSpawnRetriesTransientPollErrors(t *testing.T) {
	boom := errors.New("connection reset")
	fleet := &fakeFleet{
		image:    "img",
		states:   []string{"", "", "started"},
		stateErr: []error{boom, boom},
	}
	s := NewSpawner(fleet, fastSpawn(), nil)

	if _, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 0); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if fleet.pollCount() != 3 {
		t.Fatalf("expected 3 polls, got %d", fleet.pollCount())
	}
}

func TestSpawnPollErrorsEscalateToTimeout(t *testing.T) {
	boom := errors.New("connection reset")
	fleet := &fakeFleet{image: "img", stateErr: []error{boom, boom, boom, boom, boom}}
	s := NewSpawner(fleet, fastSpawn(), nil)

	_, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 0)
	if !errors.Is(err, ErrSpawnTimeout) || !errors.Is(err, ErrTransientPoll) || !errors.Is(err, boom) {
		t.Fatalf("expected timeout wrapping transient poll error, got %v", err)
	}
}

func TestCreateErrorIsNotRetried(t *testing.T) {
	fleet := &fakeFleet{image: "img", createErr: errors.New("502 bad gateway")}
	s := NewSpawner(fleet, fastSpawn(), nil)

	_, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 0)
	if !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
	var provErr *ProvisionError
	if !errors.As(err, &provErr) || provErr.Op != "create worker" {
		t.Fatalf("unexpected error %v", err)
	}
	if fleet.creates != 1 || fleet.pollCount() != 0 {
		t.Fatalf("expected a single create and no polls, got %d/%d", fleet.creates, fleet.pollCount())
	}
}

func TestImageErrorIsProvisionError(t *testing.T) {
	fleet := &fakeFleet{imageErr: errors.New("unauthorized")}
	s := NewSpawner(fleet, fastSpawn(), nil)

	_, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{}, 0)
	if !errors.Is(err, ErrProvision) || fleet.creates != 0 {
		t.Fatalf("expected provision error before create, got %v (creates=%d)", err, fleet.creates)
	}
}

func TestPinnedImageSkipsLookup(t *testing.T) {
	fleet := &fakeFleet{imageErr: errors.New("should not be called"), states: []string{"started"}}
	s := NewSpawner(fleet, fastSpawn(), nil)

	handle, err := s.Spawn(context.Background(), "https://room", "tok", domain.WorkerSpec{Image: "pinned:1"}, 0)
	if err != nil || handle.Image != "pinned:1" {
		t.Fatalf("unexpected result %+v %v", handle, err)
	}
}

func TestSpawnCancelled(t *testing.T) {
	fleet := &fakeFleet{image: "img", states: []string{"starting"}}
	cfg := fastSpawn()
	cfg.MaxAttempts = 1000
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	s := NewSpawner(fleet, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := s.Spawn(ctx, "https://room", "tok", domain.WorkerSpec{}, time.Minute)
	if !errors.Is(err, ErrSpawnCancelled) {
		t.Fatalf("expected ErrSpawnCancelled, got %v", err)
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.WorkerID == "" {
		t.Fatalf("expected worker id in error, got %v", err)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := NewSpawner(&fakeFleet{}, SpawnConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, nil)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := s.backoff(i); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := s.backoff(62); got != time.Second {
		t.Fatalf("expected cap for large attempt, got %v", got)
	}
}

func TestStartSession(t *testing.T) {
	fleet := &fakeFleet{image: "img", states: []string{"started"}}
	rooms := &fakeRooms{}
	registry := newFakeRegistry()
	cfg := Config{
		Worker: domain.WorkerSpec{Command: []string{"worker"}, Env: map[string]string{"DEBUG": "true"}},
		Spawn:  fastSpawn(),
	}
	l := New(cfg, rooms, fleet, registry, nil)

	resp, err := l.StartSession(context.Background(), StartRequest{SystemPrompt: "Sei nett.", Name: "Moderator"})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if resp.RoomURL != "https://example.daily.co/abc" || resp.Token != "token-2" {
		t.Fatalf("unexpected response %+v", resp)
	}
	env := fleet.lastSpec.Env
	if env[domain.EnvSystemPrompt] != "Sei nett." || env[domain.EnvBotName] != "Moderator" || env[domain.EnvSessionID] != resp.SessionID {
		t.Fatalf("unexpected worker env %v", env)
	}
	if _, ok := env[domain.EnvSpriteFolder]; ok {
		t.Fatal("empty sprite folder should not be set")
	}
	if len(cfg.Worker.Env) != 1 {
		t.Fatal("template env was modified")
	}
	rec := registry.records[resp.SessionID]
	if rec.Status != domain.SessionRunning || rec.WorkerID != "worker-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStartSessionRoomFailure(t *testing.T) {
	fleet := &fakeFleet{image: "img"}
	registry := newFakeRegistry()
	l := New(Config{Spawn: fastSpawn()}, &fakeRooms{createErr: errors.New("quota")}, fleet, registry, nil)

	_, err := l.StartSession(context.Background(), StartRequest{})
	var provErr *ProvisionError
	if !errors.As(err, &provErr) || provErr.Op != "create room" {
		t.Fatalf("expected create room provision error, got %v", err)
	}
	if fleet.creates != 0 || len(registry.records) != 0 {
		t.Fatal("nothing should be created after a room failure")
	}
}

func TestStartSessionReportsOrphan(t *testing.T) {
	fleet := &fakeFleet{image: "img", states: []string{"stopped"}}
	registry := newFakeRegistry()
	l := New(Config{Spawn: fastSpawn()}, &fakeRooms{}, fleet, registry, nil)

	_, err := l.StartSession(context.Background(), StartRequest{})
	if !errors.Is(err, ErrSpawnTimeout) {
		t.Fatalf("expected ErrSpawnTimeout, got %v", err)
	}
	if len(registry.orphans) != 1 {
		t.Fatalf("expected one orphan, got %v", registry.orphans)
	}
	for _, workerID := range registry.orphans {
		if workerID != "worker-1" {
			t.Fatalf("unexpected orphan worker %q", workerID)
		}
	}
}

func TestStartSessionCreateFailureMarksFailed(t *testing.T) {
	fleet := &fakeFleet{image: "img", createErr: errors.New("no capacity")}
	registry := newFakeRegistry()
	l := New(Config{Spawn: fastSpawn()}, &fakeRooms{}, fleet, registry, nil)

	if _, err := l.StartSession(context.Background(), StartRequest{}); !errors.Is(err, ErrProvision) {
		t.Fatalf("expected ErrProvision, got %v", err)
	}
	if len(registry.orphans) != 0 {
		t.Fatal("failed create must not be reported as orphan")
	}
	last := registry.statuses[len(registry.statuses)-1]
	if last != domain.SessionFailed {
		t.Fatalf("expected failed status, got %s", last)
	}
}

func TestStartSessionUserTokenFailureOrphansWorker(t *testing.T) {
	fleet := &fakeFleet{image: "registry/worker:1", states: []string{StateStarted}}
	rooms := &fakeRooms{tokenErr: errors.New("daily 500"), failTokenCall: 2}
	registry := newFakeRegistry()
	l := New(Config{Worker: domain.WorkerSpec{Command: []string{"worker"}}, Spawn: fastSpawn()}, rooms, fleet, registry, nil)

	_, err := l.StartSession(context.Background(), StartRequest{})
	var provErr *ProvisionError
	if !errors.As(err, &provErr) || provErr.Op != "user token" {
		t.Fatalf("expected user token ProvisionError, got %v", err)
	}
	if provErr.WorkerID != "worker-1" {
		t.Fatalf("expected worker id on error, got %q", provErr.WorkerID)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.orphans) != 1 {
		t.Fatalf("expected one orphan, got %v", registry.orphans)
	}
	for _, workerID := range registry.orphans {
		if workerID != "worker-1" {
			t.Fatalf("unexpected orphaned worker %q", workerID)
		}
	}
	if last := registry.statuses[len(registry.statuses)-1]; last != domain.SessionOrphaned {
		t.Fatalf("expected orphaned status last, got %v", registry.statuses)
	}
}
