// Package flash implements the firmware flash job state machine. A job
// advances one block per command so an abort enqueued behind it takes
// effect at the next block boundary, never mid-write.
package flash

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calibworks/ecud/internal/db"
	"github.com/calibworks/ecud/internal/model"
	"github.com/calibworks/ecud/internal/safetyq"
	"github.com/calibworks/ecud/internal/transport"
)

type Manager struct {
	store     *db.Store
	events    *safetyq.Queue
	transport transport.Transport
	logger    *slog.Logger
	blockSize int

	// runs holds per-job write progress. Only the command processor
	// touches it, so no locking is needed.
	runs map[string]*jobRun
}

type jobRun struct {
	image     []byte
	baseAddr  uint32
	nextBlock int
	blockCRCs []uint16
}

func NewManager(store *db.Store, events *safetyq.Queue, tr transport.Transport, logger *slog.Logger, blockSize int) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if blockSize <= 0 {
		blockSize = 4096
	}
	return &Manager{
		store:     store,
		events:    events,
		transport: tr,
		logger:    logger,
		blockSize: blockSize,
		runs:      make(map[string]*jobRun),
	}
}

// Start validates the image and the referenced apply session, then moves
// the job into FLASHING. A job whose session is not ARMED with mode FLASH
// stays PREPARED and the command is rejected.
func (m *Manager) Start(ctx context.Context, p model.FlashStartPayload, now time.Time) (model.FlashJob, error) {
	jobID := p.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := model.FlashJob{
		JobID:     jobID,
		EngineID:  p.EngineID,
		SessionID: p.SessionID,
		State:     model.FlashPrepared,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, err
	}

	if len(p.Image) == 0 {
		return m.rejectPrepared(ctx, job, "empty firmware image")
	}
	job.ValidationOK = true
	if crc := transport.Checksum(p.Image); p.ExpectedCRC != 0 && crc != p.ExpectedCRC {
		return m.rejectPrepared(ctx, job, fmt.Sprintf("image checksum mismatch: got 0x%04x want 0x%04x", crc, p.ExpectedCRC))
	}
	job.ChecksumOK = true

	sess, err := m.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return m.rejectPrepared(ctx, job, fmt.Sprintf("apply session %s not found", p.SessionID))
	}
	if sess.Status != model.SessionArmed || sess.Mode != model.SessionFlash {
		return m.rejectPrepared(ctx, job, fmt.Sprintf("apply session %s is %s/%s, need ARMED/FLASH", sess.SessionID, sess.Status, sess.Mode))
	}
	if sess.ExpiresAt != nil && !now.Before(*sess.ExpiresAt) {
		return m.rejectPrepared(ctx, job, fmt.Sprintf("apply session %s expired", sess.SessionID))
	}
	if err := m.checkRiskyReflash(ctx, p.EngineID, jobID, p.Backup); err != nil {
		return m.rejectPrepared(ctx, job, err.Error())
	}

	job.RollbackAvailable = len(p.Backup) > 0
	job.State = model.FlashFlashing
	job.UpdatedAt = now
	if err := m.store.UpdateFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, err
	}

	sess.Status = model.SessionApplying
	sess.UpdatedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return model.FlashJob{}, err
	}

	m.runs[jobID] = &jobRun{image: p.Image, baseAddr: p.BaseAddr}
	return job, nil
}

// Continue writes the next block. It returns done=true when the job has
// reached a terminal state and no further continue command is needed.
func (m *Manager) Continue(ctx context.Context, jobID string, now time.Time) (model.FlashJob, bool, error) {
	job, err := m.store.GetFlashJob(ctx, jobID)
	if err != nil {
		return model.FlashJob{}, true, err
	}
	run, ok := m.runs[jobID]
	if !ok || job.State != model.FlashFlashing {
		// Aborted or failed while a continue command was still queued.
		delete(m.runs, jobID)
		return job, true, nil
	}

	total := (len(run.image) + m.blockSize - 1) / m.blockSize
	start := run.nextBlock * m.blockSize
	end := start + m.blockSize
	if end > len(run.image) {
		end = len(run.image)
	}
	data := run.image[start:end]

	result, err := m.transport.WriteBlock(ctx, run.baseAddr+uint32(start), data)
	if err != nil {
		failed, failErr := m.finish(ctx, job, model.FlashFailed, fmt.Sprintf("block %d write failed: %v", run.nextBlock, err), now)
		return failed, true, failErr
	}
	run.blockCRCs = append(run.blockCRCs, result.CRC)
	run.nextBlock++

	if run.nextBlock < total {
		job.Progress = run.nextBlock * 100 / total
		if job.Progress > 99 {
			job.Progress = 99
		}
		job.UpdatedAt = now
		if err := m.store.UpdateFlashJob(ctx, job); err != nil {
			return model.FlashJob{}, true, err
		}
		return job, false, nil
	}

	job.State = model.FlashVerifying
	job.Progress = 99
	job.UpdatedAt = now
	if err := m.store.UpdateFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, true, err
	}
	return m.verify(ctx, job, run, now)
}

func (m *Manager) verify(ctx context.Context, job model.FlashJob, run *jobRun, now time.Time) (model.FlashJob, bool, error) {
	for i, crc := range run.blockCRCs {
		start := i * m.blockSize
		end := start + m.blockSize
		if end > len(run.image) {
			end = len(run.image)
		}
		if want := transport.Checksum(run.image[start:end]); crc != want {
			failed, err := m.finish(ctx, job, model.FlashFailed, fmt.Sprintf("post-write checksum mismatch in block %d: device 0x%04x local 0x%04x", i, crc, want), now)
			return failed, true, err
		}
	}

	job.State = model.FlashCompleted
	job.Progress = 100
	job.ChecksumOK = true
	job.UpdatedAt = now
	if err := m.store.UpdateFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, true, err
	}
	delete(m.runs, job.JobID)

	sess, err := m.store.GetSession(ctx, job.SessionID)
	if err == nil {
		sess.Status = model.SessionApplied
		sess.Armed = false
		sess.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return model.FlashJob{}, true, err
		}
		if _, err := m.events.Append(ctx, model.EventSessionApplied, map[string]any{
			"session_id": sess.SessionID,
			"job_id":     job.JobID,
			"engine_id":  job.EngineID,
		}); err != nil {
			return model.FlashJob{}, true, err
		}
	}
	return job, true, nil
}

// Abort moves a non-terminal job to ABORTED. It lands between block writes
// by construction; an in-progress block is never preempted.
func (m *Manager) Abort(ctx context.Context, jobID, reason string, now time.Time) (model.FlashJob, error) {
	job, err := m.store.GetFlashJob(ctx, jobID)
	if err != nil {
		return model.FlashJob{}, err
	}
	if model.TerminalFlashStates[job.State] {
		return model.FlashJob{}, fmt.Errorf("%s: flash job %s already %s", model.ErrPreconditionFailed, jobID, job.State)
	}
	if reason == "" {
		reason = "operator abort"
	}
	return m.finish(ctx, job, model.FlashAborted, reason, now)
}

func (m *Manager) Get(ctx context.Context, jobID string) (model.FlashJob, error) {
	return m.store.GetFlashJob(ctx, jobID)
}

func (m *Manager) finish(ctx context.Context, job model.FlashJob, state model.FlashJobState, message string, now time.Time) (model.FlashJob, error) {
	delete(m.runs, job.JobID)
	job.State = state
	job.ErrorMessage = message
	job.UpdatedAt = now
	if err := m.store.UpdateFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, err
	}

	sess, err := m.store.GetSession(ctx, job.SessionID)
	if err == nil && sess.Status == model.SessionApplying {
		sess.Status = model.SessionReverted
		sess.Armed = false
		sess.RevertReason = message
		sess.UpdatedAt = now
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return model.FlashJob{}, err
		}
	}
	m.logger.Warn("flash job finished abnormally",
		slog.String("job_id", job.JobID),
		slog.String("state", string(state)),
		slog.String("message", message))
	return job, nil
}

func (m *Manager) rejectPrepared(ctx context.Context, job model.FlashJob, reason string) (model.FlashJob, error) {
	job.ErrorMessage = reason
	if err := m.store.UpdateFlashJob(ctx, job); err != nil {
		return model.FlashJob{}, err
	}
	return job, fmt.Errorf("%s: %s", model.ErrPreconditionFailed, reason)
}

// checkRiskyReflash requires a stored backup before flashing an engine
// whose latest job ended in FAILED or ABORTED.
func (m *Manager) checkRiskyReflash(ctx context.Context, engineID, jobID string, backup []byte) error {
	jobs, err := m.store.ListFlashJobs(ctx, 50)
	if err != nil {
		return err
	}
	for _, prev := range jobs {
		if prev.EngineID != engineID || prev.JobID == jobID {
			continue
		}
		if prev.State == model.FlashFailed || prev.State == model.FlashAborted {
			if len(backup) == 0 {
				return fmt.Errorf("previous flash for engine %s ended %s; re-flash requires a stored backup image", engineID, prev.State)
			}
		}
		break
	}
	return nil
}
