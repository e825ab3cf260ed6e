package killswitch

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPauseAndResume(t *testing.T) {
	s := New(zerolog.Nop())

	if !s.IsActive("risk-scorer") {
		t.Fatal("fresh switch should be active")
	}

	s.Pause("risk-scorer", "ops", "model regression", nil)
	if s.IsActive("risk-scorer") {
		t.Fatal("paused agent reported active")
	}
	if s.IsActive("denial-triage") {
		// other agent types unaffected
	} else {
		t.Fatal("unrelated agent type paused")
	}

	if !s.Resume("risk-scorer", "ops") {
		t.Error("resume should report an existing pause")
	}
	if !s.IsActive("risk-scorer") {
		t.Fatal("resumed agent still inactive")
	}
	if s.Resume("risk-scorer", "ops") {
		t.Error("second resume should report no pause")
	}
}

func TestGlobalPause(t *testing.T) {
	s := New(zerolog.Nop())
	s.Pause(All, "ops", "incident", nil)

	if s.IsActive("anything") {
		t.Fatal("global pause must stop every agent type")
	}
	s.Resume(All, "ops")
	if !s.IsActive("anything") {
		t.Fatal("global resume did not restore activity")
	}
}

func TestScheduledResumeEnforcedLazily(t *testing.T) {
	s := New(zerolog.Nop())

	clock := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	resumeAt := clock.Add(30 * time.Minute)
	s.Pause("risk-scorer", "ops", "maintenance window", &resumeAt)

	if s.IsActive("risk-scorer") {
		t.Fatal("inside the window the agent must be paused")
	}

	clock = clock.Add(time.Hour)
	if !s.IsActive("risk-scorer") {
		t.Fatal("past resume_after the pause should clear on check")
	}
	if len(s.Paused()) != 0 {
		t.Errorf("lazy clear left pauses behind: %v", s.Paused())
	}
}
