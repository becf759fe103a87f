// ============================================================================
// IoT Deployer end-to-end and recovery tests
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: Drive full job lifecycles over HTTP and across restarts, once per
// storage backend.
//
// TestEndToEndDeployment:
//   schedule -> timer fires -> payload delivered -> agent posts log
//   -> Completed, with back-to-back bookings on one device delivered in
//   start-time order
//
// TestRestartDispatchesMissedJob:
//   the agent refuses the first delivery, the deployer stops while backing
//   off, and the restarted deployer delivers the overdue job
//
// TestRestartRearmsFutureJobs:
//   jobs booked an hour out survive a restart with their timers re-armed and
//   device timelines intact
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/iot-deployer/internal/completion"
	"github.com/ChuLiYu/iot-deployer/pkg/types"
)

func TestEndToEndDeployment(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := newSystem(t, backend)
			s.start()

			first := s.schedule("dev-1", 1)
			second := s.schedule("dev-1", 1)
			other := s.schedule("dev-2", 1)

			assert.Equal(t, first.StartTime.Add(time.Second), second.StartTime,
				"second booking on dev-1 should start when the first ends")

			for _, job := range []types.Job{first, second, other} {
				s.waitForStatus(job.ID, types.StatusCompleted, 10*time.Second)
			}

			got := s.agent.deliveries()
			require.Len(t, got, 3)
			assert.Less(t, indexOf(got, first.ID.String()), indexOf(got, second.ID.String()),
				"dev-1 jobs should be delivered in start-time order")

			var completed, scheduled []types.Job
			s.getJSON("/api/completed?userId=integration", &completed)
			s.getJSON("/api/scheduled?userId=integration", &scheduled)
			assert.Len(t, completed, 3)
			assert.Empty(t, scheduled)

			var files []completion.LogFile
			s.getJSON("/api/download-log?jobId="+first.ID.String(), &files)
			require.Len(t, files, 1)
			assert.Equal(t, "run.log", files[0].Name)
		})
	}
}

func TestRestartDispatchesMissedJob(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := newSystem(t, backend)
			s.start()
			s.agent.healthy.Store(false)

			job := s.schedule("dev-1", 1)
			require.Eventually(t, func() bool {
				j, err := s.ctrl.Job(context.Background(), job.ID)
				return err == nil && j.Attempt >= 1
			}, 5*time.Second, 20*time.Millisecond, "first delivery attempt should be recorded")

			// the deployer is now sleeping out a one minute backoff
			s.agent.healthy.Store(true)
			s.restart()

			status, err := s.ctrl.Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, status.Recovery.Scheduled)
			assert.Equal(t, 1, status.Recovery.Overdue)

			s.waitForStatus(job.ID, types.StatusCompleted, 10*time.Second)
			assert.GreaterOrEqual(t, s.job(job.ID).Attempt, 1, "attempt count survives the restart")
		})
	}
}

func TestRestartRearmsFutureJobs(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			s := newSystem(t, backend)
			s.start(hourAhead())

			a := s.schedule("dev-1", 60)
			b := s.schedule("dev-1", 30)
			c := s.schedule("dev-2", 45)

			ctx := context.Background()
			before, err := s.ctrl.Availability(ctx, "dev-1")
			require.NoError(t, err)

			s.restart()

			status, err := s.ctrl.Status(ctx)
			require.NoError(t, err)
			assert.True(t, status.Ready)
			assert.Equal(t, 3, status.Recovery.Rearmed)
			assert.Equal(t, 3, status.Armed)
			assert.Equal(t, 3, status.Jobs[string(types.StatusScheduled)])

			after, err := s.ctrl.Availability(ctx, "dev-1")
			require.NoError(t, err)
			assert.True(t, before.FreeAt.Equal(after.FreeAt), "dev-1 watermark %v, want %v", after.FreeAt, before.FreeAt)
			assert.True(t, after.FreeAt.Equal(b.StartTime.Add(30*time.Second)))

			for _, job := range []types.Job{a, b, c} {
				got := s.job(job.ID)
				assert.Equal(t, types.StatusScheduled, got.Status)
				assert.True(t, job.StartTime.Equal(got.StartTime))
			}
			assert.Empty(t, s.agent.deliveries())
		})
	}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
