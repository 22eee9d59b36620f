package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	ierr "github.com/agendapos/agendapos/internal/errors"
	"github.com/agendapos/agendapos/internal/logger"
)

// compiler wraps the typst binary. Templates receive their data through the
// --input mechanism as a JSON file the template decodes at render time.
type compiler struct {
	logger      *logger.Logger
	binaryPath  string
	fontDir     string
	templateDir string
	outputDir   string
}

func defaultCompiler(log *logger.Logger) *compiler {
	return &compiler{
		logger:      log,
		binaryPath:  "typst",
		fontDir:     "assets/fonts",
		templateDir: "internal/pdf/templates",
		outputDir:   os.TempDir(),
	}
}

func (c *compiler) compileTemplate(ctx context.Context, templateName string, data []byte, outputName string) ([]byte, error) {
	templatePath := filepath.Join(c.templateDir, templateName)
	if _, err := os.Stat(templatePath); os.IsNotExist(err) {
		return nil, ierr.WithError(err).
			WithMessagef("template not found: %s", templatePath).
			Mark(ierr.ErrSystem)
	}

	jsonPath := filepath.Join(c.outputDir, fmt.Sprintf("invoice-data-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(jsonPath, data, 0600); err != nil {
		return nil, ierr.WithError(err).
			WithMessage("failed to stage template data").
			Mark(ierr.ErrSystem)
	}
	defer os.Remove(jsonPath)

	outputPath := filepath.Join(c.outputDir, outputName)
	defer os.Remove(outputPath)

	args := []string{"compile", "--root", "/"}
	if c.fontDir != "" {
		args = append(args, "--font-path", c.fontDir)
	}
	args = append(args, "--input", fmt.Sprintf("path=%s", jsonPath))
	args = append(args, templatePath, outputPath)

	cmd := exec.CommandContext(ctx, c.binaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, ierr.WithError(err).
			WithMessage("typst compilation failed").
			WithReportableDetails(map[string]any{
				"stderr": stderr.String(),
			}).
			Mark(ierr.ErrSystem)
	}

	return os.ReadFile(outputPath)
}
