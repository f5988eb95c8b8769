// Package testutil builds real sqlite-backed fixtures for package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"iattend/internal/database"
	dbconfig "iattend/pkg/database"
	"iattend/pkg/interfaces"
	"iattend/pkg/types"
)

// NewStore opens a migrated sqlite database in a temp dir and closes it on cleanup
func NewStore(t testing.TB) *database.Manager {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "iattend_test.db")

	logger := zap.NewNop()
	store, err := database.NewManager(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mm := dbconfig.NewMigrationManager(store.GetDB(), dbconfig.DriverSQLite, logger)
	require.NoError(t, mm.ApplyMigrations(context.Background()))
	return store
}

// Classroom is one teacher, one course and a roster of enrolled students
type Classroom struct {
	TeacherID  string
	CourseID   string
	CourseName string
	StudentIDs []string
}

// NewClassroom seeds users, a course and enrollments for n students
func NewClassroom(t testing.TB, store interfaces.DirectorySeeder, name string, n int) *Classroom {
	t.Helper()
	ctx := context.Background()

	c := &Classroom{
		TeacherID:  name + "_teacher",
		CourseID:   name + "_course",
		CourseName: name,
	}
	require.NoError(t, store.SaveUser(ctx, &types.User{ID: c.TeacherID, Role: types.RoleTeacher, DisplayName: "Teacher " + name}))
	require.NoError(t, store.SaveCourse(ctx, &types.Course{ID: c.CourseID, Name: c.CourseName, OwnerID: c.TeacherID}))

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s_student_%d", name, i)
		require.NoError(t, store.SaveUser(ctx, &types.User{ID: id, Role: types.RoleStudent, DisplayName: fmt.Sprintf("Student %d", i)}))
		c.StudentIDs = append(c.StudentIDs, id)
	}
	require.NoError(t, store.Enroll(ctx, c.CourseID, c.StudentIDs...))
	return c
}

// Teacher returns the caller for the classroom owner
func (c *Classroom) Teacher() types.Caller {
	return types.NewCaller(c.TeacherID, types.RoleTeacher)
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
