package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterbug/repsync/internal/client/notify"
	"github.com/waterbug/repsync/internal/client/remote"
	"github.com/waterbug/repsync/internal/models"
	"github.com/waterbug/repsync/pkg/api"
)

// fakeSession is a Session over a fakeRepo with a test-driven event
// stream. drop simulates the transport dying under the runner.
type fakeSession struct {
	*fakeRepo
	events  chan remote.Event
	welcome *api.Welcome

	dropOnce stdsync.Once
	mu       stdsync.Mutex
	closed   bool
}

func newFakeSession(repo *fakeRepo) *fakeSession {
	return &fakeSession{
		fakeRepo: repo,
		events:   make(chan remote.Event, 8),
		welcome:  &api.Welcome{UserOID: "user-oid-1", Token: "session-token", ExpiresIn: 3600},
	}
}

func (s *fakeSession) Events() <-chan remote.Event { return s.events }
func (s *fakeSession) Welcome() *api.Welcome       { return s.welcome }
func (s *fakeSession) Err() error                  { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) drop() {
	s.dropOnce.Do(func() { close(s.events) })
}

type runnerHarness struct {
	svc      *Service
	monitor  *Monitor
	objects  *fakeObjects
	registry *fakeRegistry
	cancel   context.CancelFunc
	done     chan error
}

// startRunner wires engine, monitor and runner over the fakes and runs
// both loops until the test ends. done receives the runner's result.
func startRunner(t *testing.T, objects *fakeObjects, registry *fakeRegistry, cfg RunnerConfig) *runnerHarness {
	t.Helper()
	bus := notify.NewBus()
	svc := NewService(objects, registry, models.DefaultCatalog(), bus, testLogger(), Config{
		ActorID:    "alice",
		SandboxOID: testSandboxOID,
	})
	monitor := NewMonitor(time.Minute, bus, testLogger())
	if cfg.Backoff == nil {
		cfg.Backoff = remote.NewBackoff(time.Millisecond, 4*time.Millisecond)
	}
	runner := NewRunner(svc, monitor, testLogger(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = svc.Run(ctx) }()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	return &runnerHarness{
		svc:      svc,
		monitor:  monitor,
		objects:  objects,
		registry: registry,
		cancel:   cancel,
		done:     done,
	}
}

func TestRunner_FirstConnectRunsFullSync(t *testing.T) {
	repo := &fakeRepo{
		syncRolesFunc: func(context.Context) (*api.SyncRolesResult, error) {
			return &api.SyncRolesResult{Channels: []string{api.PublicChannel}}, nil
		},
	}
	sess := newFakeSession(repo)
	h := startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{
		Dial: func(context.Context) (Session, error) { return sess, nil },
	})

	require.Eventually(t, func() bool {
		return slices.Contains(repo.callTrace(), "sync_library")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"sync_roles", "subscribe", "sync_library"}, repo.callTrace())
	assert.Equal(t, models.Connected, h.monitor.State())

	h.cancel()
	assert.ErrorIs(t, <-h.done, context.Canceled)
	assert.True(t, sess.isClosed())
}

func TestRunner_RedialsWithBackoffUntilConnected(t *testing.T) {
	repo := &fakeRepo{}
	sess := newFakeSession(repo)

	var mu stdsync.Mutex
	dials := 0
	dial := func(context.Context) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials <= 2 {
			return nil, errors.New("connection refused")
		}
		return sess, nil
	}
	startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{Dial: dial})

	require.Eventually(t, func() bool {
		return slices.Contains(repo.callTrace(), "sync_roles")
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, dials)
}

func TestRunner_FatalHandshakeErrorsStopTheLoop(t *testing.T) {
	for _, fatal := range []error{remote.ErrProtocolIncompatible, remote.ErrAuthFailed} {
		t.Run(fatal.Error(), func(t *testing.T) {
			var mu stdsync.Mutex
			dials := 0
			dial := func(context.Context) (Session, error) {
				mu.Lock()
				defer mu.Unlock()
				dials++
				return nil, fmt.Errorf("handshake: %w", fatal)
			}
			h := startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{Dial: dial})

			assert.ErrorIs(t, <-h.done, fatal)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, dials, "no retry after a fatal handshake failure")
		})
	}
}

func TestRunner_ShortOutageResubscribesOnly(t *testing.T) {
	repo1 := &fakeRepo{
		syncRolesFunc: func(context.Context) (*api.SyncRolesResult, error) {
			return &api.SyncRolesResult{Channels: []string{api.PublicChannel}}, nil
		},
	}
	repo2 := &fakeRepo{}
	sessions := []*fakeSession{newFakeSession(repo1), newFakeSession(repo2)}

	var mu stdsync.Mutex
	dials := 0
	dial := func(context.Context) (Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials >= len(sessions) {
			return nil, errors.New("no more sessions scripted")
		}
		sess := sessions[dials]
		dials++
		return sess, nil
	}
	startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{Dial: dial})

	require.Eventually(t, func() bool {
		return slices.Contains(repo1.callTrace(), "sync_library")
	}, time.Second, 5*time.Millisecond)

	sessions[0].drop()

	require.Eventually(t, func() bool {
		return slices.Contains(repo2.callTrace(), "subscribe")
	}, time.Second, 5*time.Millisecond)

	// A short outage re-registers the stored channels and nothing else.
	assert.Equal(t, []string{"subscribe"}, repo2.callTrace())
	subs := repo2.subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, []string{api.PublicChannel}, subs[0])
	assert.True(t, sessions[0].isClosed())
}

func TestRunner_OnWelcomeObservesHandshake(t *testing.T) {
	repo := &fakeRepo{}
	sess := newFakeSession(repo)

	var mu stdsync.Mutex
	var welcomes []api.Welcome
	startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{
		Dial: func(context.Context) (Session, error) { return sess, nil },
		OnWelcome: func(w api.Welcome) {
			mu.Lock()
			welcomes = append(welcomes, w)
			mu.Unlock()
		},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(welcomes) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "session-token", welcomes[0].Token)
	assert.Equal(t, "user-oid-1", welcomes[0].UserOID)
	mu.Unlock()
}

func TestRunner_PumpsEventsIntoEngine(t *testing.T) {
	stamp := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	repo := &fakeRepo{}
	sess := newFakeSession(repo)
	objects := newFakeObjects(managedObject("doomed", "Product", "proj-1", "bob", stamp))
	h := startRunner(t, objects, newFakeRegistry(), RunnerConfig{
		Dial: func(context.Context) (Session, error) { return sess, nil },
	})

	require.Eventually(t, func() bool {
		return slices.Contains(repo.callTrace(), "sync_library")
	}, time.Second, 5*time.Millisecond)

	payload, err := json.Marshal(api.DeletedEvent{OID: "doomed", CName: "Product"})
	require.NoError(t, err)
	sess.events <- remote.Event{Topic: api.PublicChannel, Subject: api.SubjectDeleted, Payload: payload}

	require.Eventually(t, func() bool {
		_, err := h.objects.GetObject(context.Background(), "doomed")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	stones, err := h.registry.Tombstones(context.Background())
	require.NoError(t, err)
	require.Len(t, stones, 1)
	assert.Equal(t, models.OriginRemote, stones[0].Origin)
}

func TestRunner_ProjectPhaseFollowsConfig(t *testing.T) {
	repo := &fakeRepo{}
	sess := newFakeSession(repo)
	startRunner(t, newFakeObjects(), newFakeRegistry(), RunnerConfig{
		Dial:       func(context.Context) (Session, error) { return sess, nil },
		ProjectOID: "proj-9",
	})

	require.Eventually(t, func() bool {
		return slices.Contains(repo.callTrace(), "sync_project")
	}, time.Second, 5*time.Millisecond)

	trace := repo.callTrace()
	lib := slices.Index(trace, "sync_library")
	proj := slices.Index(trace, "sync_project")
	assert.Less(t, lib, proj, "the shared library lands before project objects")
}
