package circuits

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var (
	dummyPath       = "verification_key.json"
	dummyKeyContent = []byte("dummy content")
)

func testDummyKeyServer(content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, dummyPath, time.Now(), bytes.NewReader(content))
	}))
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "relayer-artifacts")
	if err != nil {
		panic(err)
	}
	BaseDir = dir
	code := m.Run()
	if err := os.RemoveAll(BaseDir); err != nil {
		panic(err)
	}
	os.Exit(code)
}

func TestLoadArtifact(t *testing.T) {
	c := qt.New(t)
	server := testDummyKeyServer(dummyKeyContent)
	defer server.Close()
	expectedHash := sha256.Sum256(dummyKeyContent)
	remoteURL, err := url.JoinPath(server.URL, dummyPath)
	c.Assert(err, qt.IsNil)
	dummyKey := &Artifact{
		Name:      "dummy",
		RemoteURL: remoteURL,
		Hash:      expectedHash[:],
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// not cached yet, downloaded
	c.Assert(dummyKey.Load(ctx), qt.IsNil)
	c.Assert(dummyKey.Content, qt.DeepEquals, dummyKeyContent)
	// cached
	server.Close()
	dummyKey.Content = nil
	c.Assert(dummyKey.Load(ctx), qt.IsNil)
	c.Assert(dummyKey.Content, qt.DeepEquals, dummyKeyContent)
	// wrong hash, not cached and the server is gone
	dummyKey.Content = nil
	dummyKey.Hash = []byte("wrong hash")
	c.Assert(dummyKey.Load(ctx), qt.IsNotNil)
	// no hash and no local path
	c.Assert((&Artifact{Name: "empty"}).Load(ctx), qt.IsNotNil)
}

func TestLoadArtifactHashMismatch(t *testing.T) {
	c := qt.New(t)
	server := testDummyKeyServer([]byte("tampered"))
	defer server.Close()
	expectedHash := sha256.Sum256([]byte("something else"))
	a := &Artifact{Name: "tampered", RemoteURL: server.URL, Hash: expectedHash[:]}
	err := a.Load(context.Background())
	c.Assert(err, qt.ErrorMatches, "hash mismatch.*")
	c.Assert(a.Content, qt.IsNil)
}

func TestLoadVerifierFromLocalPath(t *testing.T) {
	c := qt.New(t)
	vkJSON, proofJSON := testKeyAndProof(c)
	path := filepath.Join(c.TempDir(), "verification_key.json")
	c.Assert(os.WriteFile(path, vkJSON, 0o600), qt.IsNil)

	v, err := LoadVerifier(context.Background(), &Artifact{Name: "vkey", LocalPath: path}, time.Minute)
	c.Assert(err, qt.IsNil)
	res, err := v.Verify(context.Background(), proofJSON, testSignals)
	c.Assert(err, qt.IsNil)
	c.Assert(res.Valid, qt.IsTrue)

	wrong := sha256.Sum256([]byte("x"))
	_, err = LoadVerifier(context.Background(), &Artifact{Name: "vkey", LocalPath: path, Hash: wrong[:]}, 0)
	c.Assert(err, qt.ErrorMatches, ".*hash mismatch.*")
}
