package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to locked config files.
const ChecksumFile = ".checksums"

const manifestVersion = 1

var (
	// ErrNoChecksums means the directory has no manifest; its configs are unlocked.
	ErrNoChecksums = errors.New("checksums file not found (run 'jogd config lock')")
	// ErrHashMismatch means a locked file changed since it was locked.
	ErrHashMismatch = errors.New("hash mismatch")
)

// ChecksumManifest maps config file basenames to BLAKE3 hashes. One
// directory may hold configs for several devices, each locked separately.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport describes one config lock.
type LockReport struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
	// Previous is the hash the manifest held before, if any.
	Previous string
	Written  bool
}

// HashFile returns the hex BLAKE3-256 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash checks path against want, wrapping ErrHashMismatch.
func VerifyFileHash(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w for %s: expected %s, got %s", ErrHashMismatch, filepath.Base(path), want, got)
	}
	return nil
}

// LockFile records configPath's hash in the .checksums manifest beside it,
// keeping entries for other files. A directory means its config.yaml.
func LockFile(configPath string, dryRun bool) (*LockReport, error) {
	path, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "config.yaml")
	}

	hash, err := HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("nothing to lock: %w", err)
	}

	dir := filepath.Dir(path)
	manifest, err := LoadChecksums(dir)
	switch {
	case errors.Is(err, ErrNoChecksums):
		manifest = &ChecksumManifest{Version: manifestVersion, Hashes: map[string]string{}}
	case err != nil:
		return nil, err
	}

	name := filepath.Base(path)
	report := &LockReport{
		ConfigPath:   path,
		ChecksumPath: filepath.Join(dir, ChecksumFile),
		Hash:         hash,
		Previous:     manifest.Hashes[name],
	}
	if dryRun {
		return report, nil
	}

	manifest.Hashes[name] = hash
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the .checksums manifest in dir.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoChecksums
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	if manifest.Hashes == nil {
		manifest.Hashes = map[string]string{}
	}
	return &manifest, nil
}
