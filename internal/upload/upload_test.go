package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type call struct {
	op     string
	path   string
	mode   string
	offset uint64
	data   []byte
}

type fakeClient struct {
	calls      []call
	failAppend int // 1-based append call that fails, 0 = never
	appends    int
}

func modeTag(m *files.WriteMode) string {
	if m == nil {
		return ""
	}
	return m.Tag
}

func (f *fakeClient) Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error) {
	data, _ := io.ReadAll(content)
	f.calls = append(f.calls, call{op: "upload", path: arg.Path, mode: modeTag(arg.Mode), data: data})
	return &files.FileMetadata{}, nil
}

func (f *fakeClient) UploadSessionStart(_ *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error) {
	data, _ := io.ReadAll(content)
	f.calls = append(f.calls, call{op: "start", data: data})
	return &files.UploadSessionStartResult{SessionId: "session-1"}, nil
}

func (f *fakeClient) UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error {
	f.appends++
	if f.failAppend == f.appends {
		return errors.New("too_many_write_operations")
	}
	data, _ := io.ReadAll(content)
	f.calls = append(f.calls, call{op: "append", offset: arg.Cursor.Offset, data: data})
	return nil
}

func (f *fakeClient) UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error) {
	data, _ := io.ReadAll(content)
	f.calls = append(f.calls, call{
		op:     "finish",
		path:   arg.Commit.Path,
		mode:   modeTag(arg.Commit.Mode),
		offset: arg.Cursor.Offset,
		data:   data,
	})
	return &files.FileMetadata{}, nil
}

func (f *fakeClient) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeClient) reassemble() []byte {
	var buf bytes.Buffer
	for _, c := range f.calls {
		buf.Write(c.data)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(t.TempDir(), "Backup_2024-05-01.tar.gpg")
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p, data
}

func TestUploadSmallFileIsSingleOverwrite(t *testing.T) {
	client := &fakeClient{}
	p, data := writeFile(t, 1024)

	n, err := New(client, 0, nil).Upload(context.Background(), p, "/Backups/Incremental/Backup_2024-05-01.tar.gpg")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	require.Len(t, client.calls, 1)
	c := client.calls[0]
	assert.Equal(t, "upload", c.op)
	assert.Equal(t, "/Backups/Incremental/Backup_2024-05-01.tar.gpg", c.path)
	assert.Equal(t, files.WriteModeOverwrite, c.mode)
	assert.Equal(t, data, c.data)
}

func TestUploadChunkCounts(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		appends int
		session bool
	}{
		{"empty", 0, 0, false},
		{"exactly one chunk", ChunkSize, 0, false},
		{"one byte over", ChunkSize + 1, 0, true},
		{"two chunks", 2 * ChunkSize, 0, true},
		{"two chunks and a byte", 2*ChunkSize + 1, 1, true},
		{"ten megabytes", 10 * 1024 * 1024, 1, true},
		{"four chunks", 4 * ChunkSize, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{}
			p, data := writeFile(t, tt.size)

			n, err := New(client, 0, nil).Upload(context.Background(), p, "/dst/file.gpg")
			require.NoError(t, err)
			assert.Equal(t, int64(tt.size), n)

			if !tt.session {
				assert.Equal(t, 1, client.count("upload"))
				assert.Zero(t, client.count("start"))
				return
			}

			assert.Zero(t, client.count("upload"))
			assert.Equal(t, 1, client.count("start"))
			assert.Equal(t, tt.appends, client.count("append"))
			assert.Equal(t, 1, client.count("finish"))

			// offsets increase by one chunk per call and the finish commits with overwrite
			for i, c := range client.calls[1:] {
				assert.Equal(t, uint64((i+1)*ChunkSize), c.offset, "call %d", i+1)
			}
			last := client.calls[len(client.calls)-1]
			assert.Equal(t, "/dst/file.gpg", last.path)
			assert.Equal(t, files.WriteModeOverwrite, last.mode)
			assert.Greater(t, len(last.data), 0)
			assert.LessOrEqual(t, len(last.data), ChunkSize)

			assert.Equal(t, data, client.reassemble())
		})
	}
}

func TestUploadFailsMidSession(t *testing.T) {
	client := &fakeClient{failAppend: 1}
	p, _ := writeFile(t, 3*ChunkSize+10)

	n, err := New(client, 0, nil).Upload(context.Background(), p, "/dst/file.gpg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too_many_write_operations")
	assert.Contains(t, err.Error(), "offset 4194304")
	assert.Equal(t, int64(ChunkSize), n)
	assert.Zero(t, client.count("finish"))
}

func TestUploadMissingFile(t *testing.T) {
	_, err := New(&fakeClient{}, 0, nil).Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "/dst")
	assert.Error(t, err)
}

func TestUploadCancelledBeforeStart(t *testing.T) {
	client := &fakeClient{}
	p, _ := writeFile(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(client, 0, nil).Upload(ctx, p, "/dst")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.calls)
}

func TestLimitedReader(t *testing.T) {
	limiter := rate.NewLimiter(rate.Limit(1<<20), 1<<20)
	r := &limitedReader{ctx: context.Background(), r: bytes.NewReader(make([]byte, 3<<20)), limiter: limiter}

	buf := make([]byte, 2<<20)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1<<20, n, "a read never exceeds the bucket size")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.ctx = ctx
	_, err = r.Read(buf)
	assert.Error(t, err)
}

func TestRemotePath(t *testing.T) {
	assert.Equal(t, "/Backups/host/Full/Backup_2024-05-01.tar.gpg", RemotePath("/Backups/host", "Full", "Backup_2024-05-01.tar.gpg"))
	assert.Equal(t, "/Backups/Incremental/x.age", RemotePath("Backups/", "Incremental", "x.age"))
}
