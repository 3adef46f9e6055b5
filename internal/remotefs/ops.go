package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"

	"github.com/callscribe/callscribe/internal/apperr"
)

// Session is one live SSH/SFTP connection. Sessions are not safe for
// concurrent use; each sync run holds its own.
type Session struct {
	conn   remoteConn
	logger *slog.Logger
}

func (s *Session) Close() error { return s.conn.Close() }

func (s *Session) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	fi, err := s.conn.Stat(p)
	if err != nil {
		return nil, classify("remotefs.stat", p, err)
	}
	return fi, nil
}

func (s *Session) ReadDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	entries, err := s.conn.ReadDir(p)
	if err != nil {
		return nil, classify("remotefs.readdir", p, err)
	}
	return entries, nil
}

// Exists reports whether the path is present, swallowing not-found.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.conn.Stat(p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, classify("remotefs.stat", p, err)
}

// Download streams a remote file into w, bounded by DownloadTimeout.
func (s *Session) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	f, err := s.conn.Open(remotePath)
	if err != nil {
		return 0, classify("remotefs.download", remotePath, err)
	}
	defer f.Close()

	n, err := copyWithContext(ctx, w, f)
	if err != nil {
		return n, classify("remotefs.download", remotePath, err)
	}
	return n, nil
}

// DownloadToTemp fetches a remote file into a new temp file under dir
// and returns its path. The caller removes the file when done.
func (s *Session) DownloadToTemp(ctx context.Context, remotePath, dir string) (string, error) {
	tmp, err := os.CreateTemp(dir, "callscribe-*"+path.Ext(remotePath))
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := s.Download(ctx, remotePath, tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), nil
}

// ReadHeader fetches up to n leading bytes of a remote file, enough for
// WAV duration math without moving the audio.
func (s *Session) ReadHeader(ctx context.Context, remotePath string, n int) ([]byte, error) {
	f, err := s.conn.Open(remotePath)
	if err != nil {
		return nil, classify("remotefs.readheader", remotePath, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, classify("remotefs.readheader", remotePath, err)
	}
	return buf[:read], nil
}

// ReadFile fetches a whole small remote file, capped at max bytes.
func (s *Session) ReadFile(ctx context.Context, remotePath string, max int64) ([]byte, error) {
	f, err := s.conn.Open(remotePath)
	if err != nil {
		return nil, classify("remotefs.readfile", remotePath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, max))
	if err != nil {
		return nil, classify("remotefs.readfile", remotePath, err)
	}
	return data, nil
}

// ReplaceFile overwrites a remote file: upload next to it under a temp
// name, remove the original, rename the temp into place. Upload
// failures leave the original untouched; the temp file is cleaned up
// best-effort on every failure path.
func (s *Session) ReplaceFile(ctx context.Context, remotePath string, src io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	dir, base := path.Split(remotePath)
	tmpPath := dir + ".tmp-redacted-" + uuid.NewString()[:8] + "-" + base

	f, err := s.conn.Create(tmpPath)
	if err != nil {
		return classify("remotefs.replace", tmpPath, err)
	}
	if _, err := copyWithContext(ctx, f, src); err != nil {
		f.Close()
		s.conn.Remove(tmpPath)
		return classify("remotefs.replace", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		s.conn.Remove(tmpPath)
		return classify("remotefs.replace", tmpPath, err)
	}
	if err := s.conn.Remove(remotePath); err != nil && !isNotExist(err) {
		s.conn.Remove(tmpPath)
		return classify("remotefs.replace", remotePath, err)
	}
	if err := s.conn.Rename(tmpPath, remotePath); err != nil {
		s.conn.Remove(tmpPath)
		return classify("remotefs.replace", remotePath, err)
	}
	return nil
}

func (s *Session) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.conn.Rename(oldPath, newPath); err != nil {
		return classify("remotefs.rename", oldPath, err)
	}
	return nil
}

func (s *Session) Remove(ctx context.Context, p string) error {
	if err := s.conn.Remove(p); err != nil {
		return classify("remotefs.remove", p, err)
	}
	return nil
}

func (s *Session) MkdirAll(ctx context.Context, p string) error {
	if err := s.conn.MkdirAll(p); err != nil {
		return classify("remotefs.mkdir", p, err)
	}
	return nil
}

// SweepDayDir removes every file under base/YYYY/MM/DD, then the day
// directory, then month and year directories when they emptied out.
// A missing day directory is not an error, so re-running a sweep after
// a partial failure finishes the job.
func (s *Session) SweepDayDir(ctx context.Context, base string, day time.Time) (int, error) {
	dayDir := DayPath(base, day)

	entries, err := s.conn.ReadDir(dayDir)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, classify("remotefs.sweep", dayDir, err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := s.conn.Remove(path.Join(dayDir, e.Name())); err != nil {
			if isNotExist(err) {
				continue
			}
			return removed, classify("remotefs.sweep", path.Join(dayDir, e.Name()), err)
		}
		removed++
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}

	if err := s.conn.RemoveDirectory(dayDir); err != nil && !isNotExist(err) {
		return removed, classify("remotefs.sweep", dayDir, err)
	}
	// Parents only go away once their last day is swept.
	s.conn.RemoveDirectory(path.Dir(dayDir))
	s.conn.RemoveDirectory(path.Dir(path.Dir(dayDir)))
	return removed, nil
}

// RunCommand executes a shell command on the PBX host, bounded by
// CommandTimeout.
func (s *Session) RunCommand(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	out, err := s.conn.RunCommand(ctx, cmd)
	if err != nil {
		return "", apperr.Transport("remotefs.command", true, err)
	}
	return string(out), nil
}

// copyWithContext copies in chunks so a dead transfer is abandoned at
// the next chunk boundary instead of hanging forever.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := io.CopyN(dst, src, 32*1024)
		total += n
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, sftp.ErrSSHFxNoSuchFile)
}

// classify maps transport-level failures to retryable errors and file
// level failures (missing, permission) to permanent ones.
func classify(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if isNotExist(err) {
		return apperr.RemoteFS(op, fmt.Sprintf("no such file: %s", p), err)
	}
	if errors.Is(err, sftp.ErrSSHFxPermissionDenied) {
		return apperr.RemoteFS(op, fmt.Sprintf("permission denied: %s", p), err)
	}
	return apperr.Transport(op, true, fmt.Errorf("%s: %w", p, err))
}
