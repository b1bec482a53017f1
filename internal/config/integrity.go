package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// IntegrityResult collects the outcome of a template verification pass.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// VerifyTemplates checks the stack templates against the .checksums manifest
// in the templates directory. A missing manifest is a warning; a missing
// entry or a hash mismatch is an error.
func VerifyTemplates(cfg *Config) (*IntegrityResult, error) {
	return VerifyIntegrity(cfg.Paths.TemplatesDir, cfg.TemplateFiles())
}

// VerifyIntegrity checks files in dir against dir/.checksums.
func VerifyIntegrity(dir string, files []string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest found in %s; run 'stackfleet config lock' to enable integrity verification", ChecksumsFile, dir))
			return result, nil
		}
		return nil, err
	}

	for _, name := range files {
		path := filepath.Join(dir, name)
		expectedHash, inManifest := manifest.Hashes[name]
		if !inManifest {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("file %s not in %s manifest", name, ChecksumsFile))
			continue
		}
		if err := VerifyFileHash(path, expectedHash); err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, err.Error())
		}
	}

	return result, nil
}
