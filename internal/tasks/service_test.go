// ABOUTME: Tests for the task service against a real SQLite store and blob directory
// ABOUTME: Covers visibility, search, the status state machine, assignees, notes and concurrency

package tasks

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/maintdesk/internal/auth"
	"github.com/2389/maintdesk/internal/media"
	"github.com/2389/maintdesk/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var (
	admin  = &auth.Identity{TelegramID: 1, Name: "Admin", Username: "boss", Role: store.RoleAdmin}
	worker = &auth.Identity{TelegramID: 1001, Name: "Ivan", Username: "ivan", Role: store.RoleUser}
	other  = &auth.Identity{TelegramID: 2002, Name: "Olga", Role: store.RoleUser}
)

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	blobs *media.Blobs
	clock *stepClock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	blobs, err := media.NewBlobs(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	for _, id := range []*auth.Identity{admin, worker, other} {
		require.NoError(t, s.CreateUser(context.Background(), &store.User{
			TelegramID: id.TelegramID,
			Name:       id.Name,
			Username:   id.Username,
			Role:       id.Role,
			Active:     true,
		}))
	}

	clock := &stepClock{t: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	svc := New(s, blobs, cfg, nil, WithClock(clock.Now))
	return &fixture{svc: svc, store: s, blobs: blobs, clock: clock}
}

func (f *fixture) create(t *testing.T, by *auth.Identity, title string) *store.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), by, NewTask{Title: title, Description: "details"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return task
}

func checkInvariants(t *testing.T, task *store.Task) {
	t.Helper()
	require.NotEmpty(t, task.StatusHistory)
	assert.Nil(t, task.StatusHistory[0].FromStatus)
	last := task.StatusHistory[len(task.StatusHistory)-1]
	assert.Equal(t, task.Status, last.ToStatus)
	if task.Status == store.StatusOnHold {
		require.NotNil(t, task.OnHoldReason)
		assert.NotEmpty(t, *task.OnHoldReason)
	} else {
		assert.Nil(t, task.OnHoldReason)
	}
	for i := 1; i < len(task.StatusHistory); i++ {
		assert.False(t, task.StatusHistory[i].ChangedAt.Before(task.StatusHistory[i-1].ChangedAt))
	}
}

func TestCreate_Defaults(t *testing.T) {
	f := newFixture(t, Config{})

	task, err := f.svc.Create(context.Background(), worker, NewTask{Title: "  Leaking tap  "})
	require.NoError(t, err)
	assert.Equal(t, "SJ0001", task.UID)
	assert.Equal(t, "Leaking tap", task.Title)
	assert.Equal(t, store.StatusNew, task.Status)
	assert.Equal(t, store.PriorityMedium, task.Priority)
	assert.Equal(t, worker.Ref(), task.CreatedBy)
	require.Len(t, task.StatusHistory, 1)
	checkInvariants(t, task)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, worker, NewTask{Title: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Create(ctx, worker, NewTask{Title: "x", Priority: "critical"})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = f.svc.Create(ctx, nil, NewTask{Title: "x"})
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	own := f.create(t, worker, "Mine")
	foreign := f.create(t, admin, "Not mine")

	_, err := f.svc.Get(ctx, worker, own.UID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, worker, foreign.UID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = f.svc.AddAssignee(ctx, admin, foreign.UID, worker.TelegramID)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, worker, foreign.UID)
	assert.NoError(t, err, "assignees see the task")

	_, err = f.svc.Get(ctx, admin, own.UID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, admin, "SJ9999")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func listUIDs(tasks []*store.Task) []string {
	uids := make([]string, len(tasks))
	for i, t := range tasks {
		uids[i] = t.UID
	}
	return uids
}

func TestList_FiltersAndOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	lamp := f.create(t, admin, "Замена лампы в холле")
	door := f.create(t, admin, "Door hinge")
	mine := f.create(t, worker, "Broken chair")

	_, _, err := f.svc.AddAssignee(ctx, admin, lamp.UID, worker.TelegramID)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.svc.ChangeStatus(ctx, admin, door.UID, store.StatusInProgress, "")
	require.NoError(t, err)

	all, err := f.svc.List(ctx, admin, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{door.UID, lamp.UID, mine.UID}, listUIDs(all))

	scoped, err := f.svc.List(ctx, worker, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{lamp.UID, mine.UID}, listUIDs(scoped))

	byStatus, err := f.svc.List(ctx, admin, Filter{Status: store.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, []string{door.UID}, listUIDs(byStatus))

	byAssignee, err := f.svc.List(ctx, admin, Filter{AssigneeID: worker.TelegramID})
	require.NoError(t, err)
	assert.Equal(t, []string{lamp.UID}, listUIDs(byAssignee))

	unicode, err := f.svc.List(ctx, admin, Filter{Search: "ЛАМП"})
	require.NoError(t, err)
	assert.Equal(t, []string{lamp.UID}, listUIDs(unicode))

	byUID, err := f.svc.List(ctx, admin, Filter{Search: "sj0002"})
	require.NoError(t, err)
	assert.Equal(t, []string{door.UID}, listUIDs(byUID))

	byDescription, err := f.svc.List(ctx, admin, Filter{Search: "DETAILS"})
	require.NoError(t, err)
	assert.Len(t, byDescription, 3)

	combined, err := f.svc.List(ctx, admin, Filter{Search: "door", Status: store.StatusNew})
	require.NoError(t, err)
	assert.Empty(t, combined, "filters are ANDed")

	_, err = f.svc.List(ctx, admin, Filter{Status: "archived"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestList_ConcurrentSearch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.create(t, admin, "Замена лампы")
	f.create(t, admin, "Покраска стен")

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query, want := "ЛАМП", "Замена лампы"
			if i%2 == 1 {
				query, want = "СТЕН", "Покраска стен"
			}
			got, err := f.svc.List(ctx, admin, Filter{Search: query})
			if assert.NoError(t, err) && assert.Len(t, got, 1) {
				assert.Equal(t, want, got[0].Title)
			}
		}()
	}
	wg.Wait()
}

func TestList_Limit(t *testing.T) {
	f := newFixture(t, Config{DefaultLimit: 2, MaxLimit: 3})
	ctx := context.Background()
	for i := range 5 {
		f.create(t, admin, fmt.Sprintf("Task %d", i))
	}

	got, err := f.svc.List(ctx, admin, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = f.svc.List(ctx, admin, Filter{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = f.svc.List(ctx, admin, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = f.svc.List(ctx, admin, Filter{Limit: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateFields(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Original")

	title := "Renamed"
	urgent := store.PriorityUrgent
	updated, err := f.svc.UpdateFields(ctx, admin, task.UID, Patch{Title: &title, Priority: &urgent})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "details", updated.Description)
	assert.Equal(t, store.PriorityUrgent, updated.Priority)
	assert.True(t, updated.UpdatedAt.After(task.UpdatedAt))
}

func TestUpdateFields_NoPartialUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Original")

	title := "Would be applied"
	bad := store.Priority("whenever")
	_, err := f.svc.UpdateFields(ctx, admin, task.UID, Patch{Title: &title, Priority: &bad})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	got, err := f.svc.Get(ctx, admin, task.UID)
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)
	assert.True(t, got.UpdatedAt.Equal(task.UpdatedAt))
}

func TestAdminOperations_RequireAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Mine")
	title := "x"

	_, err := f.svc.UpdateFields(ctx, worker, task.UID, Patch{Title: &title})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.svc.ChangeStatus(ctx, worker, task.UID, store.StatusDone, "")
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, _, err = f.svc.AddAssignee(ctx, worker, task.UID, worker.TelegramID)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, _, err = f.svc.RemoveAssignee(ctx, worker, task.UID, worker.TelegramID)
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.svc.AddNote(ctx, worker, task.UID, "hi", "")
	assert.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.svc.DeleteMedia(ctx, worker, task.UID, "a.jpg")
	assert.ErrorIs(t, err, auth.ErrForbidden)
}

func TestChangeStatus_OnHoldScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Pump")

	_, err := f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusOnHold, "")
	assert.ErrorIs(t, err, ErrReasonRequired)
	_, err = f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusOnHold, "  \t ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	unchanged, err := f.svc.Get(ctx, admin, task.UID)
	require.NoError(t, err)
	assert.Len(t, unchanged.StatusHistory, 1, "rejected change leaves history untouched")

	held, err := f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusOnHold, " waiting for parts ")
	require.NoError(t, err)
	require.NotNil(t, held.OnHoldReason)
	assert.Equal(t, "waiting for parts", *held.OnHoldReason)
	require.Len(t, held.StatusHistory, 2)
	assert.Equal(t, store.StatusNew, *held.StatusHistory[1].FromStatus)
	assert.Equal(t, "waiting for parts", held.StatusHistory[1].Reason)
	assert.Equal(t, admin.Ref(), held.StatusHistory[1].ChangedBy)
	checkInvariants(t, held)

	f.clock.Advance(time.Second)
	resumed, err := f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusInProgress, "")
	require.NoError(t, err)
	assert.Nil(t, resumed.OnHoldReason)
	checkInvariants(t, resumed)
}

func TestChangeStatus_SameStatusRecorded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Window")

	got, err := f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusNew, "")
	require.NoError(t, err)
	require.Len(t, got.StatusHistory, 2)
	assert.Equal(t, store.StatusNew, *got.StatusHistory[1].FromStatus)
	assert.Equal(t, store.StatusNew, got.StatusHistory[1].ToStatus)
}

func TestChangeStatus_Invalid(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Window")

	_, err := f.svc.ChangeStatus(ctx, admin, task.UID, "archived", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = f.svc.ChangeStatus(ctx, admin, "SJ9999", store.StatusDone, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangeStatus_RandomSequencesKeepInvariants(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Random walk")
	rng := rand.New(rand.NewPCG(7, 11))

	prev := task.UpdatedAt
	for i := range 40 {
		status := store.ValidStatuses[rng.IntN(len(store.ValidStatuses))]
		reason := ""
		if rng.IntN(2) == 0 {
			reason = fmt.Sprintf("reason %d", i)
		}
		got, err := f.svc.ChangeStatus(ctx, admin, task.UID, status, reason)
		if status == store.StatusOnHold && reason == "" {
			assert.ErrorIs(t, err, ErrReasonRequired)
			continue
		}
		require.NoError(t, err)
		checkInvariants(t, got)
		assert.True(t, got.UpdatedAt.After(prev), "updatedAt must advance")
		prev = got.UpdatedAt
	}
}

func TestAssignees_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, admin, "Shared")

	got, changed, err := f.svc.AddAssignee(ctx, admin, task.UID, worker.TelegramID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, got.HasAssignee(worker.TelegramID))

	again, changed, err := f.svc.AddAssignee(ctx, admin, task.UID, worker.TelegramID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, again.Assignees, 1)
	assert.True(t, again.UpdatedAt.Equal(got.UpdatedAt), "no-op leaves updatedAt")

	removed, changed, err := f.svc.RemoveAssignee(ctx, admin, task.UID, worker.TelegramID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, removed.Assignees)

	_, changed, err = f.svc.RemoveAssignee(ctx, admin, task.UID, worker.TelegramID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAddAssignee_UnknownUser(t *testing.T) {
	f := newFixture(t, Config{})
	task := f.create(t, admin, "Shared")

	_, _, err := f.svc.AddAssignee(context.Background(), admin, task.UID, 777)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddNote(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Noted")

	n, err := f.svc.AddNote(ctx, admin, task.UID, "checked the valve", "")
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, admin.Ref(), n.Author)

	_, err = f.svc.AddNote(ctx, admin, task.UID, "   ", "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.AddNote(ctx, admin, task.UID, "see photo", "missing.jpg")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.AddNote(ctx, admin, "SJ9999", "hello", "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := f.svc.Get(ctx, admin, task.UID)
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "checked the valve", got.Notes[0].Content)
}

func TestConcurrentMutations_SameTask(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	task := f.create(t, worker, "Contended")

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.ChangeStatus(ctx, admin, task.UID, store.StatusInProgress, "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := f.svc.AddNote(ctx, admin, task.UID, fmt.Sprintf("note %d", i), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.svc.Get(ctx, admin, task.UID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, writers+1)
	assert.Len(t, got.Notes, writers)
	checkInvariants(t, got)
	assert.Zero(t, f.svc.locks.size(), "idle locks are dropped")
}

func TestConcurrentMutations_DifferentTasks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	uids := make([]string, 6)
	for i := range uids {
		uids[i] = f.create(t, admin, fmt.Sprintf("Task %d", i)).UID
	}

	var wg sync.WaitGroup
	for _, uid := range uids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				_, err := f.svc.ChangeStatus(ctx, admin, uid, store.StatusInProgress, "")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, uid := range uids {
		got, err := f.svc.Get(ctx, admin, uid)
		require.NoError(t, err)
		assert.Len(t, got.StatusHistory, 6)
	}
}
