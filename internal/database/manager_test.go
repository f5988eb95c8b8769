package database_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iattend/internal/database"
	"iattend/internal/testutil"
	"iattend/pkg/types"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newSession(c *testutil.Classroom, id, code string) *types.Session {
	return &types.Session{
		ID:              id,
		CourseID:        c.CourseID,
		OwnerID:         c.TeacherID,
		Code:            code,
		StartTime:       t0,
		DurationSeconds: 10,
		Status:          types.SessionActive,
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 2)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "AB12", got.Code)
	assert.True(t, got.StartTime.Equal(t0))
	assert.Nil(t, got.EndTime)

	found, err := store.FindActiveSessionByCode(ctx, "AB12")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "s1", found.ID)

	active, err := store.ListActiveSessionsByCourse(ctx, class.CourseID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	endAt := t0.Add(10 * time.Second)
	changed, err := store.EndSessionIfActive(ctx, "s1", endAt)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.EndSessionIfActive(ctx, "s1", endAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, changed, "second transition must not win")

	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionEnded, got.Status)
	require.NotNil(t, got.EndTime)
	assert.True(t, got.EndTime.Equal(endAt))

	found, err = store.FindActiveSessionByCode(ctx, "AB12")
	require.NoError(t, err)
	assert.Nil(t, found, "ended sessions release their code")

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrUnknownSession)
}

func TestManager_ActiveCodeCollision(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 0)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))
	err := store.CreateSession(ctx, newSession(class, "s2", "AB12"))
	assert.ErrorIs(t, err, types.ErrCodeInUse)

	changed, err := store.CancelSessionIfActive(ctx, "s1", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, store.CreateSession(ctx, newSession(class, "s2", "AB12")))
}

func TestManager_ConcurrentCreateValidEntry(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	const n = 20
	var accepted, duplicates int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.CreateValidEntry(ctx, &types.AttendanceEntry{
				ID:            fmt.Sprintf("e%d", i),
				SessionID:     "s1",
				StudentID:     class.StudentIDs[0],
				Timestamp:     t0.Add(time.Second),
				SubmittedCode: "AB12",
			})
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case assert.ErrorIs(t, err, types.ErrDuplicateSubmission):
				atomic.AddInt32(&duplicates, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted)
	assert.Equal(t, int32(n-1), duplicates)

	count, err := store.CountValidEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestManager_CreateValidEntryRequiresActiveSession(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	changed, err := store.EndSessionIfActive(ctx, "s1", t0.Add(5*time.Second))
	require.NoError(t, err)
	require.True(t, changed)

	entry := &types.AttendanceEntry{ID: "e1", SessionID: "s1", StudentID: class.StudentIDs[0],
		Timestamp: t0.Add(4 * time.Second), SubmittedCode: "AB12"}
	assert.ErrorIs(t, store.CreateValidEntry(ctx, entry), types.ErrExpiredSession)
	assert.False(t, entry.IsValid)

	entry.SessionID = "missing"
	assert.ErrorIs(t, store.CreateValidEntry(ctx, entry), types.ErrUnknownSession)

	count, err := store.CountValidEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManager_ManualEntryUpsert(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 2)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	approver := class.TeacherID
	entry, err := store.UpsertManualEntry(ctx, &types.AttendanceEntry{
		ID: "m1", SessionID: "s1", StudentID: class.StudentIDs[0], Timestamp: t0, AddedBy: &approver,
	})
	require.NoError(t, err)
	assert.True(t, entry.IsValid)
	assert.True(t, entry.ManuallyAdded)
	require.NotNil(t, entry.AddedBy)
	assert.Equal(t, approver, *entry.AddedBy)

	again, err := store.UpsertManualEntry(ctx, &types.AttendanceEntry{
		ID: "m2", SessionID: "s1", StudentID: class.StudentIDs[0], Timestamp: t0.Add(time.Minute), AddedBy: &approver,
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", again.ID, "upsert keeps the original row")

	require.NoError(t, store.CreateValidEntry(ctx, &types.AttendanceEntry{
		ID: "e2", SessionID: "s1", StudentID: class.StudentIDs[1], Timestamp: t0.Add(2 * time.Second),
	}))

	latest, err := store.LatestValidEntry(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "e2", latest.ID)

	present, err := store.ValidStudentIDs(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, present, 2)

	entries, err := store.ListValidEntries(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].ID)
}

func TestManager_InvalidAttempts(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	require.NoError(t, store.RecordInvalidAttempt(ctx, &types.InvalidAttempt{
		ID: "a1", SessionID: "s1", StudentID: class.StudentIDs[0], SubmittedCode: "ZZ99",
		Timestamp: t0, Reason: types.ReasonWrongCode, ClientIP: "10.0.0.7",
	}))

	attempts, err := store.ListInvalidAttempts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.ReasonWrongCode, attempts[0].Reason)
	assert.Equal(t, "10.0.0.7", attempts[0].ClientIP)
}

func TestManager_UpdateEngagementSerializesPerStudent(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	student := class.StudentIDs[0]

	state, err := store.GetEngagement(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, 0, state.TotalPoints)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateEngagement(ctx, student, func(s *types.EngagementState) error {
				s.TotalPoints += 10
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err = store.GetEngagement(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, 250, state.TotalPoints)
}

func TestManager_UpdateEngagementRollsBackOnError(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	_, err := store.UpdateEngagement(ctx, class.StudentIDs[0], func(s *types.EngagementState) error {
		s.TotalPoints = 999
		return boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := store.GetEngagement(ctx, class.StudentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 0, state.TotalPoints)
}

func TestManager_AwardBadgeOnce(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()

	badges, err := store.ListBadges(ctx)
	require.NoError(t, err)
	require.Len(t, badges, 5)

	award := &types.BadgeAward{StudentID: class.StudentIDs[0], BadgeID: "regular", EarnedAt: t0}
	created, err := store.AwardBadge(ctx, award)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.AwardBadge(ctx, award)
	require.NoError(t, err)
	assert.False(t, created)

	awards, err := store.ListBadgeAwards(ctx, class.StudentIDs[0])
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "Regular", awards[0].Badge.Name)
}

func TestManager_NotificationCenter(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	user := class.StudentIDs[0]

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateNotification(ctx, &types.Notification{
			ID:        fmt.Sprintf("n%d", i),
			UserID:    user,
			Kind:      types.NotificationAttendanceMarked,
			Title:     "Attendance Marked",
			Message:   "ok",
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.MarkNotificationRead(ctx, user, "n2"))
	assert.ErrorIs(t, store.MarkNotificationRead(ctx, "someone_else", "n1"), types.ErrNotificationMissing)

	unread, err := store.CountUnread(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	list, err := store.ListNotifications(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"n1", "n0", "n2"}, []string{list[0].ID, list[1].ID, list[2].ID})

	n, err := store.MarkAllNotificationsRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestManager_RecentEndedSessions(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 0)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		s := newSession(class, fmt.Sprintf("s%d", i), fmt.Sprintf("C%03d", i))
		s.StartTime = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.CreateSession(ctx, s))
		_, err := store.EndSessionIfActive(ctx, s.ID, s.Deadline())
		require.NoError(t, err)
	}

	recent, err := store.RecentEndedSessions(ctx, class.CourseID, class.TeacherID, "s6", 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "s5", recent[0].ID)
	assert.Equal(t, "s1", recent[4].ID)
}

func TestManager_Directory(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 3)
	ctx := context.Background()

	user, err := store.GetUser(ctx, class.StudentIDs[0])
	require.NoError(t, err)
	assert.Equal(t, types.RoleStudent, user.Role)

	_, err = store.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, types.ErrUnknownUser)

	course, err := store.GetCourse(ctx, class.CourseID)
	require.NoError(t, err)
	assert.Equal(t, class.TeacherID, course.OwnerID)

	ok, err := store.IsEnrolled(ctx, class.CourseID, class.StudentIDs[2])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IsEnrolled(ctx, class.CourseID, class.TeacherID)
	require.NoError(t, err)
	assert.False(t, ok)

	students, err := store.EnrolledStudents(ctx, class.CourseID)
	require.NoError(t, err)
	assert.Equal(t, class.StudentIDs, students)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	store := testutil.NewStore(t)
	require.NoError(t, store.HealthCheck(context.Background()))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	err := store.RecordInvalidAttempt(context.Background(), &types.InvalidAttempt{ID: "x"})
	assert.ErrorIs(t, err, database.ErrManagerClosed)
}

func TestManager_CloseReleasesQueuedWrites(t *testing.T) {
	store := testutil.NewStore(t)
	class := testutil.NewClassroom(t, store, "net", 1)
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, newSession(class, "s1", "AB12")))

	const n = 300
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.RecordInvalidAttempt(ctx, &types.InvalidAttempt{
				ID:            fmt.Sprintf("a%d", i),
				SessionID:     "s1",
				StudentID:     class.StudentIDs[0],
				SubmittedCode: "ZZ99",
				Timestamp:     t0,
				Reason:        types.ReasonWrongCode,
			})
		}(i)
	}
	require.NoError(t, store.Close())

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("a write queued before Close never returned")
	}

	close(errs)
	for err := range errs {
		if err == nil {
			continue
		}
		assert.True(t,
			errors.Is(err, database.ErrManagerShuttingDown) || errors.Is(err, database.ErrManagerClosed),
			"unexpected error: %v", err)
	}
}
