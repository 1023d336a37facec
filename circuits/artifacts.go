// Package circuits holds the Groth16 verifier of withdrawal proofs and the
// loader of the circuit artifacts (the snarkjs verification key).
package circuits

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vocdoni/stx-mixer-relayer/log"
)

// CheckHashes enables the sha256 check of the artifacts when they are loaded
// or downloaded. It is disabled by setting RELAYER_CHECK_HASHES to false or 0.
var CheckHashes = true

// BaseDir is the artifact cache directory. Artifacts are stored there by
// hash. Defaults to RELAYER_ARTIFACTS_DIR or ~/.cache/stx-mixer-relayer.
var BaseDir string

func init() {
	if checkHashes := os.Getenv("RELAYER_CHECK_HASHES"); checkHashes != "" {
		if strings.ToLower(checkHashes) == "false" || checkHashes == "0" {
			CheckHashes = false
		}
	}
	if dir := os.Getenv("RELAYER_ARTIFACTS_DIR"); dir != "" {
		BaseDir = dir
		return
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		BaseDir = filepath.Join(os.TempDir(), "stx-mixer-relayer")
		return
	}
	BaseDir = filepath.Join(home, ".cache", "stx-mixer-relayer")
}

// Artifact is a file needed by the relayer at runtime. It is read from
// LocalPath when set. Otherwise it is looked up in the BaseDir cache by hash
// and downloaded from RemoteURL if missing.
type Artifact struct {
	Name      string
	LocalPath string
	RemoteURL string
	Hash      []byte
	Content   []byte
}

// Load fills the artifact content. It is a no-op if the content is already
// loaded.
func (a *Artifact) Load(ctx context.Context) error {
	if len(a.Content) != 0 {
		return nil
	}
	if a.LocalPath != "" {
		content, err := os.ReadFile(a.LocalPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", a.LocalPath, err)
		}
		if err := checkHash(a.Hash, content); err != nil {
			return fmt.Errorf("%s: %w", a.LocalPath, err)
		}
		a.Content = content
		return nil
	}
	if len(a.Hash) == 0 {
		return fmt.Errorf("artifact %s: hash not provided", a.Name)
	}
	content, err := load(a.Hash)
	if err != nil {
		return err
	}
	if content == nil {
		if err := a.Download(ctx); err != nil {
			return err
		}
		if content, err = load(a.Hash); err != nil {
			return err
		}
		if content == nil {
			return fmt.Errorf("artifact %s: no content found after download", a.Name)
		}
	}
	a.Content = content
	return nil
}

// Download fetches the artifact from its remote URL into the cache.
func (a *Artifact) Download(ctx context.Context) error {
	if a.RemoteURL == "" {
		return fmt.Errorf("artifact %s not found locally and remote url not provided", a.Name)
	}
	log.Infow("downloading artifact", "name", a.Name, "url", a.RemoteURL)
	return downloadAndStore(ctx, a.Hash, a.RemoteURL)
}

// LoadVerifier loads the verification key artifact and returns a verifier
// for it.
func LoadVerifier(ctx context.Context, vkey *Artifact, timeout time.Duration) (*Verifier, error) {
	if err := vkey.Load(ctx); err != nil {
		return nil, fmt.Errorf("load verification key: %w", err)
	}
	vk, err := LoadVerificationKey(vkey.Content)
	if err != nil {
		return nil, err
	}
	log.Infow("verification key loaded", "name", vkey.Name, "nPublic", vk.NPublic)
	return NewVerifier(vk, timeout)
}

func checkHash(expected, content []byte) error {
	if !CheckHashes || len(expected) == 0 {
		return nil
	}
	sum := sha256.Sum256(content)
	if !bytes.Equal(sum[:], expected) {
		return fmt.Errorf("hash mismatch: expected %x, got %x", expected, sum)
	}
	return nil
}

func load(hash []byte) ([]byte, error) {
	if err := os.MkdirAll(BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating the base directory: %w", err)
	}
	path := filepath.Join(BaseDir, hex.EncodeToString(hash))
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading file %s: %w", path, err)
	}
	if err := checkHash(hash, content); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return content, nil
}

// progressReader counts the bytes read from the download body.
type progressReader struct {
	reader io.Reader
	total  int64 // updated atomically
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	atomic.AddInt64(&pr.total, int64(n))
	return n, err
}

// downloadAndStore downloads a file into the cache, named by its expected
// hash. The content is written to a .partial file first and renamed once the
// hash matches.
func downloadAndStore(ctx context.Context, expectedHash []byte, fileURL string) error {
	if _, err := url.Parse(fileURL); err != nil {
		return fmt.Errorf("error parsing the file URL provided: %w", err)
	}
	if err := os.MkdirAll(BaseDir, 0o755); err != nil {
		return fmt.Errorf("error creating the base directory: %w", err)
	}
	path := filepath.Join(BaseDir, hex.EncodeToString(expectedHash))
	partialPath := path + ".partial"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("error creating the file request: %w", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error performing the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("error downloading file %s: http status: %d", fileURL, res.StatusCode)
	}
	fd, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error opening artifact file: %w", err)
	}
	defer fd.Close()

	hasher := sha256.New()
	pr := &progressReader{reader: res.Body}
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.MultiWriter(fd, hasher), pr)
		done <- err
	}()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("error copying data to file: %w", err)
			}
			waiting = false
		case <-ticker.C:
			log.Debugw("downloading artifact", "url", fileURL,
				"downloaded", fmt.Sprintf("%.2fKiB", float64(atomic.LoadInt64(&pr.total))/1024))
		}
	}
	if CheckHashes && len(expectedHash) > 0 {
		if computed := hasher.Sum(nil); !bytes.Equal(computed, expectedHash) {
			_ = os.Remove(partialPath)
			return fmt.Errorf("hash mismatch: expected %x, got %x", expectedHash, computed)
		}
	}
	if err := os.Rename(partialPath, path); err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}
