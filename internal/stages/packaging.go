package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"checkforge/internal/checkpoint"
	"checkforge/internal/config"
	"checkforge/internal/services"
	"checkforge/internal/stage"
)

// Packaging copies the approved checker into the output directory and writes
// a manifest describing the bundle. Pure persistence, so it is not retryable.
type Packaging struct {
	cfg *config.Config
}

// NewPackaging constructs the packaging stage.
func NewPackaging(cfg *config.Config) *Packaging {
	return &Packaging{cfg: cfg}
}

// Manifest describes a packaged checker bundle.
type Manifest struct {
	ItemID      string    `json:"item_id"`
	CheckerFile string    `json:"checker_file"`
	Language    string    `json:"language"`
	Summary     string    `json:"summary,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	PackagedAt  time.Time `json:"packaged_at"`
}

// Execute implements stage.Handler.
func (s *Packaging) Execute(_ context.Context, req stage.Request) (checkpoint.StageResult, error) {
	var packet ReviewPacket
	if err := decodePayload(req.Item, StageReview, &packet); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StagePackaging, "load review", "", err)
	}

	bundleDir := filepath.Join(s.cfg.Paths.OutputDir, req.Item.ID)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StagePackaging, "create bundle dir", "", err)
	}

	checkerDest := filepath.Join(bundleDir, filepath.Base(packet.CodePath))
	if err := copyFile(packet.CodePath, checkerDest); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StagePackaging, "copy checker", "", err)
	}

	manifest := Manifest{
		ItemID:      req.Item.ID,
		CheckerFile: filepath.Base(checkerDest),
		Language:    packet.Language,
		Summary:     packet.Summary,
		Notes:       packet.Notes,
		PackagedAt:  time.Now().UTC(),
	}
	manifestPath := filepath.Join(bundleDir, "manifest.json")
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StagePackaging, "encode manifest", "", err)
	}
	if err := os.WriteFile(manifestPath, encoded, 0o644); err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageExecution, StagePackaging, "write manifest", "", err)
	}

	payload, err := encodePayload(struct {
		BundleDir    string `json:"bundle_dir"`
		ManifestPath string `json:"manifest_path"`
	}{BundleDir: bundleDir, ManifestPath: manifestPath})
	if err != nil {
		return checkpoint.StageResult{}, services.Wrap(services.ErrStageFatal, StagePackaging, "encode", "", err)
	}
	return checkpoint.StageResult{
		Outcome:     checkpoint.OutcomeSuccess,
		Payload:     payload,
		Diagnostics: []string{fmt.Sprintf("bundle written to %s", bundleDir)},
	}, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HealthCheck implements stage.Handler.
func (s *Packaging) HealthCheck(context.Context) stage.Health {
	if s.cfg.Paths.OutputDir == "" {
		return stage.Unhealthy(StagePackaging, "output directory not configured")
	}
	return stage.Healthy(StagePackaging)
}
