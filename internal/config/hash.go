package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// LockedFile captures the checksum outcome for one scope file.
type LockedFile struct {
	Filename string
	Path     string
	Hash     string
}

// LockReport captures checksum generation details for a config directory.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// Lock hashes the scope files of cfg and writes the .checksums manifest.
// When dryRun is true nothing is written.
func Lock(cfg *Config, dryRun bool) (*LockReport, error) {
	return GenerateChecksums(cfg.ConfigDir, cfg.ScopeFiles(), dryRun, time.Now())
}

// GenerateChecksums computes scope file hashes and optionally writes .checksums.
func GenerateChecksums(configDir string, scopeFiles []string, dryRun bool, now time.Time) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(scopeFiles)),
	}

	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFileName),
		Files:        make([]LockedFile, 0, len(scopeFiles)),
	}

	sorted := append([]string(nil), scopeFiles...)
	sort.Strings(sorted)
	for _, filename := range sorted {
		filePath := filepath.Join(configDir, filename)
		hash, err := ComputeBlake3Hash(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", filename, err)
		}
		manifest.Hashes[filename] = hash
		report.Files = append(report.Files, LockedFile{Filename: filename, Path: filePath, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest pins the api key file too.
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	checksumPath := filepath.Join(configDir, ChecksumFileName)

	data, err := os.ReadFile(checksumPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'testmanager config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// VerifyScopeFiles verifies all scope files against their checksums.
// A file missing from the manifest is as fatal as a mismatch.
func VerifyScopeFiles(configDir string, manifest *ChecksumManifest, scopeFiles []string) error {
	inScope := make(map[string]bool, len(scopeFiles))
	for _, filename := range scopeFiles {
		inScope[filename] = true
		filePath := filepath.Join(configDir, filename)

		expectedHash, ok := manifest.Hashes[filename]
		if !ok {
			return fmt.Errorf("config file %s has no hash in checksums (run 'testmanager config lock')", filename)
		}

		if err := VerifyFileHash(filePath, expectedHash); err != nil {
			return fmt.Errorf("config verification failed: %w\n"+
				"This indicates tampering or unauthorized modification.\n"+
				"If you edited this file intentionally, run: testmanager config lock", err)
		}
	}

	for filename := range manifest.Hashes {
		if !inScope[filename] && !fileExists(filepath.Join(configDir, filename)) {
			return fmt.Errorf("config file %s is in checksums but missing from disk", filename)
		}
	}

	return nil
}
