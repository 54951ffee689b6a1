package training

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loracloud/lorad/internal/models"
)

func recipeJob() models.TrainingJob {
	return models.TrainingJob{
		ID:           "ab12cd34",
		DatasetName:  "faces",
		LoraName:     "portrait-v1",
		BaseModel:    DefaultBaseModel,
		Steps:        1000,
		LearningRate: 1e-4,
		BatchSize:    1,
		Resolution:   512,
		NetworkDim:   32,
		NetworkAlpha: 16,
	}
}

func TestTrainCommand(t *testing.T) {
	cmd := TrainCommand("/workspace", recipeJob())

	assert.True(t, strings.HasPrefix(cmd, "cd /workspace && accelerate launch"))
	assert.Contains(t, cmd, "sd-scripts/flux_train_network.py")
	assert.Contains(t, cmd, `--pretrained_model_name_or_path="black-forest-labs/FLUX.1-dev"`)
	assert.Contains(t, cmd, `--dataset_config="/workspace/dataset_config.toml"`)
	assert.Contains(t, cmd, `--output_dir="/workspace/output"`)
	assert.Contains(t, cmd, `--output_name="portrait-v1"`)
	assert.Contains(t, cmd, "--save_model_as=safetensors")
	assert.Contains(t, cmd, "--max_train_steps=1000")
	assert.Contains(t, cmd, "--learning_rate=0.0001")
	assert.Contains(t, cmd, "--train_batch_size=1")
	assert.Contains(t, cmd, "--resolution=512")
	assert.Contains(t, cmd, "--network_module=networks.lora_flux")
	assert.Contains(t, cmd, "--network_dim=32")
	assert.Contains(t, cmd, "--network_alpha=16")
	assert.Contains(t, cmd, `--optimizer_type="AdamW8bit"`)
	assert.Contains(t, cmd, `--mixed_precision="bf16"`)
	assert.Contains(t, cmd, "--cache_latents")
	assert.Contains(t, cmd, "--gradient_checkpointing")
	assert.Contains(t, cmd, "--save_every_n_steps=200")

	// One shell line, no continuations.
	assert.NotContains(t, cmd, "\n")
}

func TestDatasetConfig(t *testing.T) {
	job := recipeJob()
	job.Resolution = 768
	job.BatchSize = 2

	toml := DatasetConfig("/workspace", job)

	assert.Contains(t, toml, "[general]")
	assert.Contains(t, toml, "shuffle_caption = true")
	assert.Contains(t, toml, `caption_extension = ".txt"`)
	assert.Contains(t, toml, "keep_tokens = 1")
	assert.Contains(t, toml, "resolution = 768")
	assert.Contains(t, toml, "batch_size = 2")
	assert.Contains(t, toml, `image_dir = "/workspace/dataset"`)
	assert.Contains(t, toml, "num_repeats = 10")
}

func TestWriteFileCommandQuotesHeredoc(t *testing.T) {
	cmd := WriteFileCommand("/workspace/dataset_config.toml", "resolution = $512\n")

	// The quoted delimiter keeps $512 literal on the remote shell.
	assert.Contains(t, cmd, "<< 'LORAD_EOF'")
	assert.Contains(t, cmd, "resolution = $512")
	assert.True(t, strings.HasSuffix(cmd, "\nLORAD_EOF"))
}

func TestArtifactRemotePath(t *testing.T) {
	assert.Equal(t, "/workspace/output/portrait-v1.safetensors", ArtifactRemotePath("/workspace", "portrait-v1"))
}

func TestVerifyAndEncodeCommands(t *testing.T) {
	path := "/workspace/output/x.safetensors"
	assert.Equal(t, "test -f "+path, VerifyArtifactCommand(path))
	assert.Equal(t, "base64 -w0 "+path, EncodeArtifactCommand(path))
}
