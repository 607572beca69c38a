// Package upload pushes the encrypted archive to Dropbox, switching to an upload
// session for files above the single-request limit.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// ChunkSize is both the single-upload threshold and the session chunk size
const ChunkSize = 4 * 1024 * 1024

// Client is the part of the Dropbox files API used here; files.Client satisfies it
type Client interface {
	Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error)
	UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error)
	UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error
	UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error)
}

// NewDropboxClient returns a files client authenticated with an access token
func NewDropboxClient(token string) files.Client {
	return files.New(dropbox.Config{
		Token:    token,
		LogLevel: dropbox.LogOff,
	})
}

// Logger receives progress messages
type Logger interface {
	Info(format string, args ...any)
}

// Uploader moves local files to remote paths
type Uploader struct {
	client  Client
	limiter *rate.Limiter
	log     Logger
}

// New creates an uploader. bytesPerSecond <= 0 disables throttling; log may be nil.
func New(client Client, bytesPerSecond int64, log Logger) *Uploader {
	u := &Uploader{client: client, log: log}
	if bytesPerSecond > 0 {
		u.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
	}
	return u
}

// RemotePath joins the remote base folder with the backup kind folder and file name
func RemotePath(base, kindDir, fileName string) string {
	p := path.Join(base, kindDir, fileName)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Upload copies localPath to remotePath, overwriting what is there, and returns
// the number of bytes sent.
func (u *Uploader) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}
	size := info.Size()
	u.logf("uploading %s (%s) to %s", localPath, humanize.IBytes(uint64(size)), remotePath)

	if size <= ChunkSize {
		return u.single(ctx, f, size, remotePath)
	}
	return u.session(ctx, f, size, remotePath)
}

func (u *Uploader) single(ctx context.Context, f io.Reader, size int64, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}

	arg := files.NewUploadArg(remotePath)
	arg.Mode = overwrite()
	if _, err := u.client.Upload(arg, u.throttle(ctx, buf)); err != nil {
		return 0, fmt.Errorf("upload %s: %w", remotePath, err)
	}
	u.logf("uploaded %s", humanize.IBytes(uint64(size)))
	return size, nil
}

func (u *Uploader) session(ctx context.Context, f io.Reader, size int64, remotePath string) (int64, error) {
	buf := make([]byte, ChunkSize)
	next := func(n int64) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return buf[:n], nil
	}

	chunk, err := next(ChunkSize)
	if err != nil {
		return 0, err
	}
	start, err := u.client.UploadSessionStart(files.NewUploadSessionStartArg(), u.throttle(ctx, chunk))
	if err != nil {
		return 0, fmt.Errorf("start upload session: %w", err)
	}
	offset := int64(ChunkSize)
	u.logf("upload session started, %s of %s sent", humanize.IBytes(uint64(offset)), humanize.IBytes(uint64(size)))

	for size-offset > ChunkSize {
		chunk, err := next(ChunkSize)
		if err != nil {
			return offset, err
		}
		cursor := files.NewUploadSessionCursor(start.SessionId, uint64(offset))
		if err := u.client.UploadSessionAppendV2(files.NewUploadSessionAppendArg(cursor), u.throttle(ctx, chunk)); err != nil {
			return offset, fmt.Errorf("append to upload session at offset %d: %w", offset, err)
		}
		offset += ChunkSize
		u.logf("%s of %s sent", humanize.IBytes(uint64(offset)), humanize.IBytes(uint64(size)))
	}

	chunk, err = next(size - offset)
	if err != nil {
		return offset, err
	}
	cursor := files.NewUploadSessionCursor(start.SessionId, uint64(offset))
	commit := files.NewCommitInfo(remotePath)
	commit.Mode = overwrite()
	if _, err := u.client.UploadSessionFinish(files.NewUploadSessionFinishArg(cursor, commit), u.throttle(ctx, chunk)); err != nil {
		return offset, fmt.Errorf("finish upload session at offset %d: %w", offset, err)
	}
	u.logf("uploaded %s", humanize.IBytes(uint64(size)))
	return size, nil
}

func (u *Uploader) throttle(ctx context.Context, b []byte) io.Reader {
	r := io.Reader(bytes.NewReader(b))
	if u.limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: u.limiter}
}

func (u *Uploader) logf(format string, args ...any) {
	if u.log != nil {
		u.log.Info(format, args...)
	}
}

func overwrite() *files.WriteMode {
	return &files.WriteMode{Tagged: dropbox.Tagged{Tag: files.WriteModeOverwrite}}
}

// limitedReader waits on the token bucket before handing out bytes
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return 0, werr
		}
	}
	return n, err
}
