package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stockbot-io/stockbot/log"
	"github.com/stockbot-io/stockbot/paths"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failKey != "" && *params.Key == f.failKey {
		return nil, errors.New("simulated upload failure")
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func seedRunDir(t *testing.T) string {
	t.Helper()
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "report"), 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(out, "report", "metrics.json"): `{"sharpe":1.2}`,
		filepath.Join(out, "job.log"):                "worker output",
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

func TestMirrorRunUploadsPresentArtifacts(t *testing.T) {
	fake := &fakeS3{}
	m := &S3Mirror{client: fake, bucket: "stockbot-runs", prefix: "prod", logger: log.New("store-test")}

	out := seedRunDir(t)
	if err := m.MirrorRun(context.Background(), "run-1", out); err != nil {
		t.Fatalf("MirrorRun: %v", err)
	}

	keys := make([]string, 0, len(fake.objects))
	for k := range fake.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{"prod/run-1/job.log", "prod/run-1/report/metrics.json"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
	if string(fake.objects["prod/run-1/report/metrics.json"]) != `{"sharpe":1.2}` {
		t.Error("object body mismatch")
	}
}

func TestMirrorRunEmptyPrefix(t *testing.T) {
	fake := &fakeS3{}
	m := &S3Mirror{client: fake, bucket: "b", logger: log.New("store-test")}

	if err := m.MirrorRun(context.Background(), "run-2", seedRunDir(t)); err != nil {
		t.Fatal(err)
	}
	if _, ok := fake.objects["run-2/job.log"]; !ok {
		t.Errorf("keys = %v", fake.objects)
	}
}

func TestMirrorRunAbortsOnUploadError(t *testing.T) {
	fake := &fakeS3{failKey: "prod/run-3/job.log"}
	m := &S3Mirror{client: fake, bucket: "b", prefix: "prod", logger: log.New("store-test")}

	err := m.MirrorRun(context.Background(), "run-3", seedRunDir(t))
	if err == nil {
		t.Fatal("upload failure swallowed")
	}
	if !strings.Contains(err.Error(), paths.ArtifactJobLog) {
		t.Errorf("err = %v, want artifact name in message", err)
	}
}

func TestMirrorRunEmptyDir(t *testing.T) {
	fake := &fakeS3{}
	m := &S3Mirror{client: fake, bucket: "b", logger: log.New("store-test")}

	if err := m.MirrorRun(context.Background(), "run-4", t.TempDir()); err != nil {
		t.Fatalf("empty dir: %v", err)
	}
	if len(fake.objects) != 0 {
		t.Errorf("objects = %v", fake.objects)
	}
}
