package training

import (
	"fmt"
	"strings"

	"github.com/loracloud/lorad/internal/models"
)

// TrainCommand renders the kohya-ss flux_train_network invocation for one
// job. The orchestrator treats the command as opaque; the only part of its
// output it interprets is the STEP: progress lines.
func TrainCommand(workspace string, job models.TrainingJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && accelerate launch --num_cpu_threads_per_process=2 sd-scripts/flux_train_network.py", workspace)
	fmt.Fprintf(&b, " --pretrained_model_name_or_path=%q", job.BaseModel)
	fmt.Fprintf(&b, " --dataset_config=%q", workspace+"/dataset_config.toml")
	fmt.Fprintf(&b, " --output_dir=%q", workspace+"/output")
	fmt.Fprintf(&b, " --output_name=%q", job.LoraName)
	b.WriteString(" --save_model_as=safetensors")
	fmt.Fprintf(&b, " --max_train_steps=%d", job.Steps)
	fmt.Fprintf(&b, " --learning_rate=%g", job.LearningRate)
	fmt.Fprintf(&b, " --train_batch_size=%d", job.BatchSize)
	fmt.Fprintf(&b, " --resolution=%d", job.Resolution)
	b.WriteString(" --network_module=networks.lora_flux")
	fmt.Fprintf(&b, " --network_dim=%d", job.NetworkDim)
	fmt.Fprintf(&b, " --network_alpha=%d", job.NetworkAlpha)
	b.WriteString(` --optimizer_type="AdamW8bit"`)
	b.WriteString(` --mixed_precision="bf16"`)
	b.WriteString(" --cache_latents")
	b.WriteString(" --gradient_checkpointing")
	b.WriteString(" --save_every_n_steps=200")
	return b.String()
}

// DatasetConfig renders the kohya dataset TOML for one job. Images and their
// caption sidecars are expected under <workspace>/dataset on the instance.
func DatasetConfig(workspace string, job models.TrainingJob) string {
	return fmt.Sprintf(`[general]
shuffle_caption = true
caption_extension = ".txt"
keep_tokens = 1

[[datasets]]
resolution = %d
batch_size = %d

[[datasets.subsets]]
image_dir = "%s/dataset"
num_repeats = 10
`, job.Resolution, job.BatchSize, workspace)
}

// SetupCommand creates the directory layout a job needs on the instance.
func SetupCommand(workspace string) string {
	return fmt.Sprintf("mkdir -p %s/dataset %s/output", workspace, workspace)
}

// InstallDependenciesCommand tops up the python packages the trainer needs.
// Training images usually ship with these already; the install is quiet and
// idempotent either way.
func InstallDependenciesCommand() string {
	return "python3 -m pip install --quiet accelerate safetensors toml"
}

// WriteFileCommand writes content to a remote path through a quoted heredoc,
// so nothing inside content is subject to shell expansion.
func WriteFileCommand(path, content string) string {
	return fmt.Sprintf("cat > %s << 'LORAD_EOF'\n%s\nLORAD_EOF", path, strings.TrimRight(content, "\n"))
}

// ArtifactRemotePath is where kohya leaves the finished weights on the
// instance for a given output name.
func ArtifactRemotePath(workspace, loraName string) string {
	return fmt.Sprintf("%s/output/%s.safetensors", workspace, loraName)
}

// VerifyArtifactCommand exits non-zero when the artifact is missing.
func VerifyArtifactCommand(remotePath string) string {
	return fmt.Sprintf("test -f %s", remotePath)
}

// EncodeArtifactCommand prints the artifact as a single base64 line on
// stdout. Pulling bytes through the exec channel keeps the transfer on the
// same credentials and transport as every other remote command.
func EncodeArtifactCommand(remotePath string) string {
	return fmt.Sprintf("base64 -w0 %s", remotePath)
}
