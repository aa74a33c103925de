package stages

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
	"github.com/ibme-qubic/hcp-asl/pkg/runner"
	"github.com/ibme-qubic/hcp-asl/pkg/transform"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Register estimates the linear registration between the ASL frame
// and the structural image by invoking the external solver, then
// imports the matrix and stores both directions in the ledger. The
// solver is only invoked when the matrix is missing or a refresh is
// forced; importing applies the one-shot rounding policy for
// near-degenerate matrices.
func (p *Pipeline) Register(ctx context.Context) error {
	regDir := filepath.Join(p.SubjectDir, p.Cfg.Output.Dir, "ASLT1w", "reg")
	if err := volume.EnsureDir(regDir); err != nil {
		return err
	}

	calibPath, err := p.Led.Path(KeyCalib0)
	if err != nil {
		return err
	}
	structPath, err := p.Led.Path(KeyStruct)
	if err != nil {
		return err
	}
	structBrainPath, err := p.Led.Path(KeyStructBrain)
	if err != nil {
		return err
	}

	matPath := filepath.Join(regDir, "asl2struct.mat")
	if p.needsUpdate(matPath) {
		log.Printf("Registering ASL frame to structural image")
		args := []string{
			"-in", calibPath,
			"-ref", structBrainPath,
			"-dof", "6",
			"-cost", "bbr",
			"-omat", matPath,
		}
		if _, err := p.Run.Run(ctx, "flirt", args, runner.Options{WorkingDir: regDir}); err != nil {
			return fmt.Errorf("registration solver failed: %w", err)
		}
	} else {
		log.Printf("Registration matrix exists, skipping solver")
	}

	aslGrid, err := grid.FromNifti(calibPath)
	if err != nil {
		return err
	}
	structGrid, err := grid.FromNifti(structPath)
	if err != nil {
		return err
	}

	asl2struct, err := transform.LinearFromFLIRT(matPath, aslGrid, structGrid)
	if err != nil {
		return err
	}

	// Invert and export for stages working the other way round.
	inv, err := asl2struct.Inverse()
	if err != nil {
		return err
	}
	struct2aslPath := filepath.Join(regDir, "struct2asl.mat")
	if err := transform.SaveFLIRT(inv.(*transform.Linear), struct2aslPath); err != nil {
		return err
	}

	return p.Led.Put(map[string]string{
		KeyAslToStruct: matPath,
		KeyStructToAsl: struct2aslPath,
	})
}
