package main

import "testing"

func TestCmdSupervisor_RejectsMalformedSchedule(t *testing.T) {
	if code := cmdSupervisor([]string{"--schedule", "not a cron expression"}); code != exitUsage {
		t.Fatalf("cmdSupervisor(bad schedule) = %d, want %d", code, exitUsage)
	}
}

func TestCmdSupervisor_RejectsUnknownFlag(t *testing.T) {
	if code := cmdSupervisor([]string{"--bogus"}); code != exitUsage {
		t.Fatalf("cmdSupervisor(--bogus) = %d, want %d", code, exitUsage)
	}
}
