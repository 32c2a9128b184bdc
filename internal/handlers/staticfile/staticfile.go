// Package staticfile answers requests no route claims by serving files from a
// document root.
package staticfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

const (
	// minGzipSize is the smallest body worth compressing.
	minGzipSize = 256
	// maxGzipSize is the largest file compressed in memory. Bigger files are
	// streamed uncompressed.
	maxGzipSize = 1 << 20
	// chunkSize is how much of a file is read per DATA write.
	chunkSize = 32 * 1024
)

// Responder serves files below a document root. It implements
// http2.FileResponder.
type Responder struct {
	root      string
	indexFile string
	mimeTypes map[string]string
	listDirs  bool
	log       *logger.Logger
}

var _ http2.FileResponder = (*Responder)(nil)

// Option configures a Responder.
type Option func(*Responder)

// WithDirectoryListing makes directories without an index file answer with
// an HTML listing of their entries instead of 404.
func WithDirectoryListing(on bool) Option {
	return func(r *Responder) { r.listDirs = on }
}

// New returns a Responder for documentRoot, which must be an existing
// directory. Keys of mimeTypes are extensions including the dot.
func New(documentRoot, indexFile string, mimeTypes map[string]string, lg *logger.Logger, opts ...Option) (*Responder, error) {
	if lg == nil {
		lg = logger.Nop()
	}
	if indexFile == "" {
		return nil, errors.New("staticfile: index file cannot be empty")
	}
	root, err := filepath.Abs(documentRoot)
	if err != nil {
		return nil, fmt.Errorf("staticfile: resolving document root %q: %w", documentRoot, err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("staticfile: document root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("staticfile: document root %q is not a directory", root)
	}
	// symlinks below the root are checked against its real location
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return nil, fmt.Errorf("staticfile: resolving document root %q: %w", documentRoot, err)
	}
	custom := make(map[string]string, len(mimeTypes))
	for ext, t := range mimeTypes {
		custom[strings.ToLower(ext)] = t
	}
	r := &Responder{
		root:      root,
		indexFile: indexFile,
		mimeTypes: custom,
		log:       lg.With(logger.LogFields{"component": "staticfile"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the absolute document root.
func (r *Responder) Root() string { return r.root }

// SendFile answers streamID with the file at filePath, a request path
// relative to the document root. Directories are answered with their index
// file, or a listing when enabled. Only GET and HEAD are served.
func (r *Responder) SendFile(sc http2.StreamContext, streamID uint32, filePath, acceptEncoding string) {
	resp := sc.NewResponse(streamID)
	req := resp.Request()
	if req != nil && req.Method != http.MethodGet && req.Method != http.MethodHead {
		r.send(resp, resp.SendMethodNotAllowed([]string{http.MethodGet, http.MethodHead}))
		return
	}
	if err := sc.Context().Err(); err != nil {
		return
	}

	path, ok := r.resolve(filePath)
	if !ok {
		r.log.Warn("Path escapes document root", logger.LogFields{"stream_id": streamID, "path": filePath})
		r.send(resp, resp.SendError(http.StatusNotFound, ""))
		return
	}
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		dir := path
		path = filepath.Join(dir, r.indexFile)
		fi, err = os.Stat(path)
		if err == nil && (fi.IsDir() || !r.contained(path)) {
			err = fs.ErrNotExist
		}
		if errors.Is(err, fs.ErrNotExist) && r.listDirs {
			r.sendListing(resp, dir, filePath)
			return
		}
	}
	if err != nil {
		r.sendStatError(resp, path, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		r.sendStatError(resp, path, err)
		return
	}
	defer f.Close()

	contentType := mimeTypeFor(path, r.mimeTypes)
	etag := fileETag(fi)
	size := fi.Size()
	var body []byte
	gzipped := false
	if size >= minGzipSize && size <= maxGzipSize && compressible(contentType) && acceptsGzip(acceptEncoding) {
		if zb, err := gzipFile(f); err != nil {
			r.log.Warn("Compressing response failed", logger.LogFields{"path": path, "error": err.Error()})
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				r.sendStatError(resp, path, err)
				return
			}
		} else {
			body = zb
			size = int64(len(zb))
			gzipped = true
			etag = strings.TrimSuffix(etag, `"`) + `-gz"`
		}
	}

	resp.SetHeader("etag", etag)
	resp.SetHeader("last-modified", fi.ModTime().UTC().Format(http.TimeFormat))
	if compressible(contentType) {
		resp.SetHeader("vary", "accept-encoding")
	}
	if req != nil && notModified(req, fi.ModTime(), etag) {
		resp.SetStatus(http.StatusNotModified)
		r.send(resp, resp.Send(nil))
		return
	}

	resp.SetHeader("content-type", contentType)
	resp.SetHeader("content-length", strconv.FormatInt(size, 10))
	if gzipped {
		resp.SetHeader("content-encoding", "gzip")
	}
	r.log.Debug("Serving file", logger.LogFields{
		"stream_id": streamID,
		"path":      path,
		"bytes":     size,
		"gzip":      gzipped,
	})
	if gzipped || size == 0 || (req != nil && req.Method == http.MethodHead) {
		r.send(resp, resp.Send(body))
		return
	}
	r.streamFile(resp, f, path, size)
}

// streamFile sends size octets of f as the response body in chunks.
func (r *Responder) streamFile(resp *http2.Response, f *os.File, path string, size int64) {
	if err := resp.SendHeaders(); err != nil {
		r.send(resp, err)
		return
	}
	buf := make([]byte, chunkSize)
	for remaining := size; remaining > 0; {
		n := int(min(remaining, int64(len(buf))))
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			r.log.Error("Reading file content failed", logger.LogFields{
				"stream_id": resp.StreamID(), "path": path, "error": err.Error(),
			})
			resp.Abort("file read failed")
			return
		}
		remaining -= int64(n)
		if err := resp.WriteData(buf[:n], remaining == 0); err != nil {
			r.send(resp, err)
			return
		}
	}
}

// resolve maps a request path to a file below the document root. It reports
// false when the cleaned path, or the target of a symlink on it, would leave
// the root.
func (r *Responder) resolve(requestPath string) (string, bool) {
	if strings.IndexByte(requestPath, 0) >= 0 {
		return "", false
	}
	target := filepath.Join(r.root, filepath.FromSlash(requestPath))
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", false
	}
	if !r.within(abs) || !r.contained(abs) {
		return "", false
	}
	return abs, true
}

func (r *Responder) within(abs string) bool {
	return abs == r.root || strings.HasPrefix(abs, r.root+string(filepath.Separator))
}

// contained reports whether abs, with symlinks followed, is still below the
// root. Paths that do not exist pass; opening them fails later.
func (r *Responder) contained(abs string) bool {
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return r.within(resolved)
}

func (r *Responder) sendStatError(resp *http2.Response, path string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.send(resp, resp.SendError(http.StatusNotFound, ""))
	case errors.Is(err, fs.ErrPermission):
		r.send(resp, resp.SendError(http.StatusForbidden, ""))
	default:
		r.log.Error("Reading file failed", logger.LogFields{"path": path, "error": err.Error()})
		r.send(resp, resp.SendError(http.StatusInternalServerError, ""))
	}
}

func (r *Responder) send(resp *http2.Response, err error) {
	if err != nil && !errors.Is(err, http2.ErrStreamClosed) {
		r.log.Debug("Sending response failed", logger.LogFields{"stream_id": resp.StreamID(), "error": err.Error()})
	}
}

// fileETag is a strong validator built from size and modification time.
func fileETag(fi os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, fi.Size(), fi.ModTime().UnixNano())
}

// notModified evaluates If-None-Match, or If-Modified-Since when no
// If-None-Match is present. Entity tags are compared weakly.
func notModified(req *http2.Request, modTime time.Time, etag string) bool {
	if inm := req.Get("if-none-match"); inm != "" {
		if strings.TrimSpace(inm) == "*" {
			return true
		}
		want := strings.Trim(etag, `"`)
		for _, tag := range strings.Split(inm, ",") {
			tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
			if strings.Trim(tag, `"`) == want {
				return true
			}
		}
		return false
	}
	if ims := req.Get("if-modified-since"); ims != "" {
		t, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !modTime.Truncate(time.Second).After(t.Truncate(time.Second))
	}
	return false
}

// acceptsGzip reports whether an accept-encoding value allows gzip with a
// non-zero quality. An explicit gzip entry overrides "*".
func acceptsGzip(acceptEncoding string) bool {
	gzipQ, starQ := -1.0, -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "gzip" && name != "*" {
			continue
		}
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(strings.TrimSpace(k), "q") {
				if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
					q = f
				}
			}
		}
		if name == "gzip" {
			gzipQ = q
		} else {
			starQ = q
		}
	}
	if gzipQ >= 0 {
		return gzipQ > 0
	}
	return starQ > 0
}

func gzipFile(src io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
