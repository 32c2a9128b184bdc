package staticfile

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2mux/internal/hpack"
	"example.com/h2mux/internal/http2"
)

type reply struct {
	header map[string]string
	body   []byte
}

// harness drives a real connection whose FileResponder is under test. Frames
// it produces stay queued in the sender.
type harness struct {
	t    *testing.T
	conn *http2.Connection
	enc  *hpack.Encoder
	dec  *hpack.Decoder
	next uint32
}

func newHarness(t *testing.T, r *Responder) *harness {
	t.Helper()
	server, client := net.Pipe()
	c := http2.NewConnection(server, http2.Options{Files: r})
	t.Cleanup(func() {
		c.Close()
		_ = client.Close()
	})
	return &harness{
		t:    t,
		conn: c,
		enc:  hpack.NewEncoder(),
		dec:  hpack.NewDecoder(hpack.DefaultHeaderTableSize),
		next: 1,
	}
}

// do sends a request without body and returns the decoded reply.
func (h *harness) do(method, path string, extra ...string) reply {
	h.t.Helper()
	fields := []hpack.HeaderField{
		{Name: ":method", Value: method},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: "example.test"},
	}
	for i := 0; i+1 < len(extra); i += 2 {
		fields = append(fields, hpack.HeaderField{Name: extra[i], Value: extra[i+1]})
	}
	block, err := h.enc.Encode(fields)
	require.NoError(h.t, err)

	id := h.next
	h.next += 2
	require.NoError(h.t, h.conn.HandleFrame(&http2.HeadersFrame{
		FrameHeader: http2.FrameHeader{
			Type:     http2.FrameHeaders,
			Flags:    http2.FlagEndHeaders | http2.FlagEndStream,
			StreamID: id,
		},
		HeaderBlockFragment: block,
	}))

	var hb []byte
	out := reply{header: make(map[string]string)}
	for _, f := range h.conn.Sender().Pending() {
		if f.Header().StreamID != id {
			continue
		}
		switch ff := f.(type) {
		case *http2.HeadersFrame:
			hb = append(hb, ff.HeaderBlockFragment...)
		case *http2.ContinuationFrame:
			hb = append(hb, ff.HeaderBlockFragment...)
		case *http2.DataFrame:
			out.body = append(out.body, ff.Data...)
		}
	}
	require.NotEmpty(h.t, hb, "no response for stream %d", id)
	decoded, err := h.dec.Decode(hb, 0)
	require.NoError(h.t, err)
	for _, hf := range decoded {
		out.header[hf.Name] = hf.Value
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newTestResponder(t *testing.T) (*Responder, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<h1>home</h1>")
	writeFile(t, dir, "docs/index.html", "<h1>docs</h1>")
	writeFile(t, dir, "notes.md", "# notes")
	writeFile(t, dir, "data.bin", "\x00\x01\x02")
	writeFile(t, dir, "big.css", strings.Repeat("body { margin: 0; }\n", 100))
	r, err := New(dir, "index.html", map[string]string{".MD": "text/markdown"}, nil)
	require.NoError(t, err)
	return r, dir
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.txt", "x")

	_, err := New(filepath.Join(dir, "missing"), "index.html", nil, nil)
	assert.Error(t, err)
	_, err = New(filepath.Join(dir, "file.txt"), "index.html", nil, nil)
	assert.ErrorContains(t, err, "is not a directory")
	_, err = New(dir, "", nil, nil)
	assert.ErrorContains(t, err, "index file cannot be empty")
}

func TestSendFile_ServesFiles(t *testing.T) {
	r, _ := newTestResponder(t)
	h := newHarness(t, r)

	tests := []struct {
		path        string
		contentType string
		body        string
	}{
		{"/", "text/html; charset=utf-8", "<h1>home</h1>"},
		{"/index.html", "text/html; charset=utf-8", "<h1>home</h1>"},
		{"/docs", "text/html; charset=utf-8", "<h1>docs</h1>"},
		{"/docs/", "text/html; charset=utf-8", "<h1>docs</h1>"},
		{"/notes.md", "text/markdown", "# notes"},
		{"/data.bin", "application/octet-stream", "\x00\x01\x02"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := h.do(http.MethodGet, tt.path)
			assert.Equal(t, "200", got.header[":status"])
			assert.Equal(t, tt.contentType, got.header["content-type"])
			assert.Equal(t, tt.body, string(got.body))
			assert.NotEmpty(t, got.header["etag"])
			assert.NotEmpty(t, got.header["last-modified"])
			assert.Empty(t, got.header["content-encoding"])
		})
	}
}

func TestSendFile_NotFound(t *testing.T) {
	r, dir := newTestResponder(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	h := newHarness(t, r)

	for _, p := range []string{"/missing.txt", "/empty/", "/../etc/passwd", "/docs/../../secret"} {
		t.Run(p, func(t *testing.T) {
			got := h.do(http.MethodGet, p)
			assert.Equal(t, "404", got.header[":status"])
		})
	}
}

func TestSendFile_HeadAndMethods(t *testing.T) {
	r, _ := newTestResponder(t)
	h := newHarness(t, r)

	got := h.do(http.MethodHead, "/notes.md")
	assert.Equal(t, "200", got.header[":status"])
	assert.Equal(t, "7", got.header["content-length"])
	assert.Empty(t, got.body)

	got = h.do(http.MethodPost, "/notes.md")
	assert.Equal(t, "405", got.header[":status"])
	assert.Equal(t, "GET, HEAD", got.header["allow"])
}

func TestSendFile_Gzip(t *testing.T) {
	r, dir := newTestResponder(t)
	h := newHarness(t, r)
	want, err := os.ReadFile(filepath.Join(dir, "big.css"))
	require.NoError(t, err)

	got := h.do(http.MethodGet, "/big.css", "accept-encoding", "br, gzip;q=0.8")
	assert.Equal(t, "200", got.header[":status"])
	assert.Equal(t, "gzip", got.header["content-encoding"])
	assert.Equal(t, "accept-encoding", got.header["vary"])
	assert.True(t, strings.HasSuffix(got.header["etag"], `-gz"`))
	zr, err := gzip.NewReader(bytes.NewReader(got.body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, want, plain)

	got = h.do(http.MethodGet, "/big.css", "accept-encoding", "gzip;q=0, *")
	assert.Empty(t, got.header["content-encoding"])
	assert.Equal(t, want, got.body)

	// small bodies and binary types are sent as is
	got = h.do(http.MethodGet, "/index.html", "accept-encoding", "gzip")
	assert.Empty(t, got.header["content-encoding"])
	got = h.do(http.MethodGet, "/data.bin", "accept-encoding", "gzip")
	assert.Empty(t, got.header["content-encoding"])
}

func TestSendFile_Conditional(t *testing.T) {
	r, _ := newTestResponder(t)
	h := newHarness(t, r)

	first := h.do(http.MethodGet, "/notes.md")
	etag := first.header["etag"]
	require.NotEmpty(t, etag)

	got := h.do(http.MethodGet, "/notes.md", "if-none-match", `"other", W/`+etag)
	assert.Equal(t, "304", got.header[":status"])
	assert.Empty(t, got.body)

	got = h.do(http.MethodGet, "/notes.md", "if-none-match", `"other"`)
	assert.Equal(t, "200", got.header[":status"])

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	got = h.do(http.MethodGet, "/notes.md", "if-modified-since", future)
	assert.Equal(t, "304", got.header[":status"])

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	got = h.do(http.MethodGet, "/notes.md", "if-modified-since", past)
	assert.Equal(t, "200", got.header[":status"])
}

func TestResolve(t *testing.T) {
	r, _ := newTestResponder(t)
	root := r.Root()

	p, ok := r.resolve("/docs/index.html")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "docs", "index.html"), p)

	p, ok = r.resolve("/a/../notes.md")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "notes.md"), p)

	_, ok = r.resolve("/../outside")
	assert.False(t, ok)
	_, ok = r.resolve("/x\x00.html")
	assert.False(t, ok)
}

func TestSendFile_SymlinksStayInRoot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on Windows")
	}
	r, dir := newTestResponder(t)
	outside := t.TempDir()
	writeFile(t, outside, "secret.txt", "top secret")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(dir, "leak.txt")))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "leakdir")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "notes.md"), filepath.Join(dir, "alias.md")))
	h := newHarness(t, r)

	for _, p := range []string{"/leak.txt", "/leakdir/secret.txt", "/leakdir/"} {
		t.Run(p, func(t *testing.T) {
			got := h.do(http.MethodGet, p)
			assert.Equal(t, "404", got.header[":status"])
			assert.NotContains(t, string(got.body), "top secret")
		})
	}

	got := h.do(http.MethodGet, "/alias.md")
	assert.Equal(t, "200", got.header[":status"], "links inside the root are followed")
	assert.Equal(t, "# notes", string(got.body))
}

func TestSendFile_StreamsLargeFiles(t *testing.T) {
	r, dir := newTestResponder(t)
	want := make([]byte, 2*chunkSize+100)
	for i := range want {
		want[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "large.bin"), want, 0o644))
	h := newHarness(t, r)

	got := h.do(http.MethodGet, "/large.bin", "accept-encoding", "gzip")
	assert.Equal(t, "200", got.header[":status"])
	assert.Equal(t, strconv.Itoa(len(want)), got.header["content-length"])
	assert.Empty(t, got.header["content-encoding"])
	assert.Equal(t, want, got.body)

	var data []http2.Frame
	for _, f := range h.conn.Sender().Pending() {
		if f.Header().StreamID == 1 && f.Header().Type == http2.FrameData {
			data = append(data, f)
		}
	}
	require.Len(t, data, 5, "each chunk is split by the peer's max frame size")
	for i, f := range data {
		assert.LessOrEqual(t, f.PayloadLen(), http2.DefaultMaxFrameSize)
		assert.Equal(t, i == len(data)-1, f.Header().Flags.Has(http2.FlagEndStream), "frame %d", i)
	}

	head := h.do(http.MethodHead, "/large.bin")
	assert.Equal(t, strconv.Itoa(len(want)), head.header["content-length"])
	assert.Empty(t, head.body)
}

func TestSendFile_DirectoryListing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "files/a.txt", strings.Repeat("a", 2048))
	writeFile(t, dir, "files/sub/b.txt", "b")
	writeFile(t, dir, "files/x&y.txt", "")
	writeFile(t, dir, "docs/index.html", "<h1>docs</h1>")
	r, err := New(dir, "index.html", nil, nil, WithDirectoryListing(true))
	require.NoError(t, err)
	h := newHarness(t, r)

	got := h.do(http.MethodGet, "/files/")
	assert.Equal(t, "200", got.header[":status"])
	assert.Equal(t, "text/html; charset=utf-8", got.header["content-type"])
	body := string(got.body)
	assert.Contains(t, body, "<title>Index of /files/</title>")
	assert.Contains(t, body, `<a href="/">../</a>`)
	assert.Contains(t, body, `<a href="/files/sub/">sub/</a>`)
	assert.Contains(t, body, `<a href="/files/a.txt">a.txt</a>`)
	assert.Contains(t, body, `<a href="/files/x&amp;y.txt">x&amp;y.txt</a>`)
	assert.Contains(t, body, "2.0 kB")
	assert.Less(t, strings.Index(body, "sub/"), strings.Index(body, "a.txt"), "directories are listed first")

	got = h.do(http.MethodGet, "/docs/")
	assert.Equal(t, "<h1>docs</h1>", string(got.body), "an index file wins over the listing")

	got = h.do(http.MethodGet, "/files/sub")
	assert.Contains(t, string(got.body), `<a href="/files/">../</a>`)
}

func TestRenderListing(t *testing.T) {
	out := string(renderListing("/", []listingEntry{
		{name: "big.iso", size: 3 * 1000 * 1000 * 1000, mod: "01-Jan-2024 00:00"},
	}))
	assert.Contains(t, out, "Index of /")
	assert.NotContains(t, out, "../")
	assert.Contains(t, out, `<a href="/big.iso">big.iso</a>`)
	assert.Contains(t, out, "3.0 GB")
}

func TestAcceptsGzip(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{"gzip", true},
		{"GZIP", true},
		{"deflate, gzip;q=0.5", true},
		{"gzip;q=0", false},
		{"*", true},
		{"*;q=0", false},
		{"gzip;q=0, *", false},
		{"br", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, acceptsGzip(tt.header), tt.header)
	}
}

func TestResolveMimeType(t *testing.T) {
	custom := map[string]string{".html": "text/x-custom"}
	assert.Equal(t, "text/x-custom", ResolveMimeType(".HTML", custom))
	assert.Equal(t, "text/html; charset=utf-8", ResolveMimeType(".html", nil))
	assert.Equal(t, "image/png", ResolveMimeType(".png", nil))
	assert.Equal(t, "application/octet-stream", ResolveMimeType("", nil))
	assert.Equal(t, "application/octet-stream", ResolveMimeType(".nosuchext", nil))
}

func TestCompressible(t *testing.T) {
	assert.True(t, compressible("text/css; charset=utf-8"))
	assert.True(t, compressible("application/json"))
	assert.True(t, compressible("image/svg+xml"))
	assert.True(t, compressible("application/vnd.api+json"))
	assert.False(t, compressible("image/png"))
	assert.False(t, compressible("application/octet-stream"))
}
