package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name, written next to the config file.
const ChecksumFile = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of config files.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult is the outcome of VerifyIntegrity.
// A missing manifest is a warning; a mismatch is an error.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
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

// Lock hashes the config file and writes the manifest beside it.
// It returns the manifest path.
func Lock(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", absPath, err)
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(absPath): hash},
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest guards a file holding secrets.
	manifestPath := filepath.Join(filepath.Dir(absPath), ChecksumFile)
	if err := os.WriteFile(manifestPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifestPath, nil
}

// LoadChecksums reads the manifest from dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checksums file not found (run 'loopback config lock'): %w", err)
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

// VerifyIntegrity checks the config file against the manifest in its directory.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	result := &IntegrityResult{Passed: true}
	dir, name := filepath.Split(absPath)

	manifest, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no %s manifest in %s; run 'loopback config lock' to enable integrity verification", ChecksumFile, dir))
			return result, nil
		}
		return nil, err
	}

	expected, ok := manifest.Hashes[name]
	if !ok {
		result.Warnings = append(result.Warnings, fmt.Sprintf("file %s not in %s manifest", name, ChecksumFile))
		return result, nil
	}

	actual, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, err
	}
	if actual != expected {
		result.Passed = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", name, expected, actual))
	}
	return result, nil
}
