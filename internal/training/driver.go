package training

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/storage"
)

// drive runs one job's full pipeline: readiness check, workspace setup,
// training with live progress, artifact retrieval, upload. It runs in its
// own goroutine, records failures on the job record, and never lets one
// job's failure touch another.
func (s *Service) drive(jobID string) {
	job, ok := s.registry.Get(jobID)
	if !ok {
		return
	}
	ctx := context.Background()

	inst, err := s.readyInstance(ctx, job.InstanceID)
	if err != nil {
		s.fail(jobID, err)
		return
	}

	s.setStatus(jobID, models.JobStatusRunning)
	logging.Info("training started", map[string]interface{}{
		"job_id":      jobID,
		"instance_id": job.InstanceID,
		"ssh_host":    inst.SSHHost,
		"ssh_port":    inst.SSHPort,
	})

	if err := s.setupWorkspace(ctx, inst, job); err != nil {
		s.fail(jobID, err)
		return
	}

	s.installDependencies(ctx, inst)

	if err := s.runTraining(ctx, inst, job); err != nil {
		s.fail(jobID, err)
		return
	}

	s.setStatus(jobID, models.JobStatusUploading)

	outputPath, err := s.retrieveArtifact(ctx, inst, job)
	if err != nil {
		s.fail(jobID, err)
		return
	}

	s.complete(jobID, job.Steps, outputPath)
}

// readyInstance fails fast when the target instance cannot take commands.
// There is no retry loop here: the caller is expected to start jobs against
// instances that already finished provisioning.
func (s *Service) readyInstance(ctx context.Context, instanceID int64) (*models.Instance, error) {
	inst, err := s.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, &InstanceNotReadyError{InstanceID: instanceID, Reason: err.Error()}
	}
	if !inst.Running() {
		return nil, &InstanceNotReadyError{InstanceID: instanceID, Reason: fmt.Sprintf("status is %q", inst.ActualStatus)}
	}
	if inst.SSHHost == "" || inst.SSHPort == 0 {
		return nil, &InstanceNotReadyError{InstanceID: instanceID, Reason: "ssh endpoint not yet published"}
	}
	return inst, nil
}

func (s *Service) setupWorkspace(ctx context.Context, inst *models.Instance, job models.TrainingJob) error {
	commands := []string{
		SetupCommand(s.workspace),
		WriteFileCommand(s.workspace+"/dataset_config.toml", DatasetConfig(s.workspace, job)),
	}
	for _, command := range commands {
		result, err := s.runner.Run(ctx, inst.SSHHost, inst.SSHPort, command, s.commandTimeout)
		if err != nil {
			return fmt.Errorf("workspace setup failed: %w", err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("workspace setup exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
	return nil
}

// installDependencies is best-effort. Training images normally ship with
// everything preinstalled, and a transient pip failure must not kill a job
// the trainer itself could still run.
func (s *Service) installDependencies(ctx context.Context, inst *models.Instance) {
	result, err := s.runner.Run(ctx, inst.SSHHost, inst.SSHPort, InstallDependenciesCommand(), s.commandTimeout)
	if err != nil {
		logging.Warn("dependency install failed", map[string]interface{}{
			"ssh_host": inst.SSHHost,
			"error":    err,
		})
		return
	}
	if result.ExitCode != 0 {
		logging.Warn("dependency install exited non-zero", map[string]interface{}{
			"ssh_host":  inst.SSHHost,
			"exit_code": result.ExitCode,
		})
	}
}

func (s *Service) runTraining(ctx context.Context, inst *models.Instance, job models.TrainingJob) error {
	stream, err := s.runner.Stream(ctx, inst.SSHHost, inst.SSHPort, TrainCommand(s.workspace, job))
	if err != nil {
		return fmt.Errorf("failed to start training: %w", err)
	}
	defer stream.Close()

	for line := range stream.Lines() {
		step, ok := ParseStep(line)
		if !ok {
			continue
		}
		// Steps overwrite verbatim, even when lower than the current value.
		// Out-of-order log delivery is tolerated, not corrected.
		s.setStep(job.ID, step)
	}
	return nil
}

// retrieveArtifact pulls the trained weights over the exec channel as one
// base64 line and hands the decoded bytes to the store. On any failure the
// remote copy stays on the instance for manual recovery.
func (s *Service) retrieveArtifact(ctx context.Context, inst *models.Instance, job models.TrainingJob) (string, error) {
	remotePath := ArtifactRemotePath(s.workspace, job.LoraName)

	result, err := s.runner.Run(ctx, inst.SSHHost, inst.SSHPort, VerifyArtifactCommand(remotePath), s.commandTimeout)
	if err != nil {
		return "", &ArtifactTransferError{Op: "verify", Err: err}
	}
	if result.ExitCode != 0 {
		return "", &ArtifactTransferError{Op: "verify", Err: fmt.Errorf("no artifact at %s", remotePath)}
	}

	result, err = s.runner.Run(ctx, inst.SSHHost, inst.SSHPort, EncodeArtifactCommand(remotePath), s.commandTimeout)
	if err != nil {
		return "", &ArtifactTransferError{Op: "encode", Err: err}
	}
	if result.ExitCode != 0 {
		return "", &ArtifactTransferError{Op: "encode", Err: fmt.Errorf("encode exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))}
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(result.Stdout))
	if err != nil {
		return "", &ArtifactTransferError{Op: "decode", Err: err}
	}

	outputPath := storage.ArtifactPath(job.LoraName)
	if err := s.store.Upload(ctx, outputPath, "application/octet-stream", data); err != nil {
		return "", &ArtifactTransferError{Op: "store", Err: err}
	}

	logging.Info("artifact uploaded", map[string]interface{}{
		"job_id": job.ID,
		"path":   outputPath,
		"bytes":  len(data),
	})
	return outputPath, nil
}

func (s *Service) setStatus(jobID, status string) {
	if job, ok := s.registry.Patch(jobID, Update{Status: &status}); ok {
		s.publish(job)
	}
}

func (s *Service) setStep(jobID string, step int) {
	if job, ok := s.registry.Patch(jobID, Update{CurrentStep: &step}); ok {
		s.publish(job)
	}
}

func (s *Service) fail(jobID string, cause error) {
	status := models.JobStatusFailed
	message := cause.Error()
	job, ok := s.registry.Patch(jobID, Update{Status: &status, Error: &message})
	if !ok {
		return
	}
	metrics.GetMetrics().RecordJobFailed()
	logging.Error("training job failed", map[string]interface{}{
		"job_id": jobID,
		"error":  cause,
	})
	s.publish(job)
}

func (s *Service) complete(jobID string, steps int, outputPath string) {
	status := models.JobStatusCompleted
	job, ok := s.registry.Patch(jobID, Update{Status: &status, CurrentStep: &steps, OutputPath: &outputPath})
	if !ok {
		return
	}
	metrics.GetMetrics().RecordJobCompleted()
	logging.Info("training job completed", map[string]interface{}{
		"job_id":      jobID,
		"output_path": outputPath,
	})
	s.publish(job)
}
