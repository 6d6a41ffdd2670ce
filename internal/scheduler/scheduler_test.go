package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@hourly", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop(context.Background())
	if err := s.AddJob("every minute", func() {}); err == nil {
		t.Error("Expected an error for an invalid expression")
	}
	if err := s.AddJob("* * * * * *", func() {}); err == nil {
		t.Error("Expected six fields to be rejected")
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
