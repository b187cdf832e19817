// Package bulk fetches and reads the periodic bulk file drops.
package bulk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotPublished is returned when the file for a cycle does not exist
	// upstream yet.
	ErrNotPublished = errors.New("bulk file not published")
	// ErrCorruptArchive is returned for archives that cannot be read or do
	// not contain the expected member.
	ErrCorruptArchive = errors.New("corrupt bulk archive")
)

// RemoteFile describes a bulk file as reported by the server.
type RemoteFile struct {
	URL  string
	Size int64
	// ETag is empty when the server does not supply one.
	ETag string
}

// Downloader probes and fetches bulk files into a local directory.
type Downloader struct {
	dir     string
	timeout time.Duration
	http    *http.Client
}

// NewDownloader builds a downloader writing under dir. Each probe or
// download is bounded by timeout.
func NewDownloader(dir string, timeout time.Duration, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	return &Downloader{dir: dir, timeout: timeout, http: client}
}

// Probe asks for the first byte of url to learn its size and ETag without
// downloading it.
func (d *Downloader) Probe(ctx context.Context, url string) (*RemoteFile, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "probe %s", url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrapf(ErrNotPublished, "probe %s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, errors.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
	}

	rf := &RemoteFile{URL: url, Size: -1, ETag: strings.Trim(resp.Header.Get("ETag"), `"`)}
	if resp.StatusCode == http.StatusPartialContent {
		rf.Size = totalFromContentRange(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength >= 0 {
		rf.Size = resp.ContentLength
	}
	return rf, nil
}

// totalFromContentRange parses "bytes 0-0/12345".
func totalFromContentRange(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// LocalPath is where Download stores name.
func (d *Downloader) LocalPath(name string) string {
	return filepath.Join(d.dir, name)
}

// Download streams rf to LocalPath(name). A partial ".part" file left by an
// earlier attempt is continued with a range request only when it was fetched
// under the same ETag; otherwise it is discarded. It returns the final path
// and the sha256 of its content.
func (d *Downloader) Download(ctx context.Context, rf *RemoteFile, name string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create download directory")
	}
	final := d.LocalPath(name)
	part := final + ".part"
	tag := part + ".etag"

	offset := d.resumeOffset(rf, part, tag)
	if offset < 0 {
		if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
			return "", "", errors.Wrap(err, "discard partial download")
		}
		offset = 0
	}
	if rf.ETag != "" {
		if err := os.WriteFile(tag, []byte(rf.ETag), 0o644); err != nil {
			return "", "", errors.Wrap(err, "record partial download version")
		}
	} else if err := os.Remove(tag); err != nil && !os.IsNotExist(err) {
		return "", "", errors.Wrap(err, "clear partial download version")
	}

	if offset == 0 || offset < rf.Size {
		if err := d.fetch(ctx, rf, part, offset); err != nil {
			return "", "", err
		}
	}

	if err := os.Rename(part, final); err != nil {
		return "", "", errors.Wrap(err, "finalize download")
	}
	_ = os.Remove(tag)
	sum, err := HashFile(final)
	if err != nil {
		return "", "", err
	}
	return final, sum, nil
}

// resumeOffset returns the size of a partial download that may be continued,
// or -1 when there is none or it belongs to another version of the file.
func (d *Downloader) resumeOffset(rf *RemoteFile, part, tag string) int64 {
	st, err := os.Stat(part)
	if err != nil {
		return -1
	}
	if rf.ETag == "" || rf.Size < 0 || st.Size() > rf.Size {
		return -1
	}
	prev, err := os.ReadFile(tag)
	if err != nil || string(prev) != rf.ETag {
		log.WithFields(log.Fields{"url": rf.URL, "etag": rf.ETag}).Info("discarding partial download of another version")
		return -1
	}
	return st.Size()
}

func (d *Downloader) fetch(ctx context.Context, rf *RemoteFile, part string, offset int64) error {
	url := rf.URL
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		// The server sends the whole file instead if it changed since the probe.
		req.Header.Set("If-Range", `"`+rf.ETag+`"`)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		log.WithFields(log.Fields{"url": url, "offset": offset}).Info("resuming partial download")
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return errors.Wrapf(ErrNotPublished, "download %s: status %d", url, resp.StatusCode)
	default:
		return errors.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return errors.Wrap(err, "open partial download")
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "download %s after %d bytes", url, n)
	}
	log.WithFields(log.Fields{"url": url, "bytes": n}).Info("download finished")
	return nil
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
