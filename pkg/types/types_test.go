package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionElapsedBoundary(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s := &Session{StartTime: start, DurationSeconds: 10, Status: SessionActive}

	assert.False(t, s.Elapsed(start.Add(5*time.Second)))
	assert.False(t, s.Elapsed(start.Add(10*time.Second)), "deadline instant is inside the window")
	assert.True(t, s.Elapsed(start.Add(10*time.Second+time.Millisecond)))
	assert.Equal(t, start.Add(10*time.Second), s.Deadline())
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "AB12", NormalizeCode(" ab12 "))
	assert.Equal(t, "", NormalizeCode("   "))
}

func TestIsWellFormedCode(t *testing.T) {
	assert.True(t, IsWellFormedCode("AB12", 4))
	assert.False(t, IsWellFormedCode("AB1", 4))
	assert.False(t, IsWellFormedCode("ab12", 4))
	assert.False(t, IsWellFormedCode("AB-2", 4))
}

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		want   bool
	}{
		{"simple", "student_1", true},
		{"uuid", "4b0e1c9a-0f51-4a53-9d1e-0d7a2b1f3c55", true},
		{"empty", "", false},
		{"space", "bad id", false},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidUserID(tt.userID))
		})
	}
}

func TestCallerCapabilities(t *testing.T) {
	student := NewCaller("s1", RoleStudent)
	teacher := NewCaller("t1", RoleTeacher)
	admin := NewCaller("a1", RoleAdmin)
	nobody := NewCaller("x", Role("guest"))

	assert.True(t, student.Can(CapSubmitAttendance))
	assert.False(t, student.Can(CapOpenSession))
	assert.True(t, teacher.Can(CapOpenSession|CapEndSession))
	assert.False(t, teacher.Can(CapAdmin))
	assert.False(t, nobody.Can(CapSubmitAttendance))
	assert.False(t, admin.Can(0))

	session := &Session{OwnerID: "t1"}
	assert.True(t, teacher.CanManage(session))
	assert.False(t, NewCaller("t2", RoleTeacher).CanManage(session))
	assert.True(t, admin.CanManage(session))
}

func TestBadgeEligibility(t *testing.T) {
	regular := &Badge{RequiredPoints: 100}
	streak := &Badge{RequiredStreak: 7}

	assert.False(t, regular.EligibleFor(&EngagementState{TotalPoints: 90, StreakDays: 9}))
	assert.True(t, regular.EligibleFor(&EngagementState{TotalPoints: 100}))
	assert.False(t, streak.EligibleFor(&EngagementState{TotalPoints: 1000, StreakDays: 6}))
	assert.True(t, streak.EligibleFor(&EngagementState{StreakDays: 7}))
}

func TestOutcomeMessages(t *testing.T) {
	assert.Equal(t, AcceptedMessage, Accepted(&AttendanceEntry{}).Message())
	assert.Equal(t, "Session has expired", Rejected(ReasonExpired).Message())
	assert.Equal(t, "Invalid code", Rejected(ReasonWrongCode).Message())
	assert.Equal(t, "Already submitted for this session", Rejected(ReasonDuplicate).Message())
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "session:abc", SessionChannel("abc"))
	assert.Equal(t, "user:u1", UserChannel("u1"))
}
