package staticfile

import (
	"fmt"
	"html"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"example.com/h2mux/internal/http2"
	"example.com/h2mux/internal/logger"
)

// listingEntry is one row of a directory listing.
type listingEntry struct {
	name  string
	isDir bool
	size  int64
	mod   string
}

// sendListing answers with an HTML index of dir. webPath is the request path
// that named the directory.
func (r *Responder) sendListing(resp *http2.Response, dir, webPath string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		r.sendStatError(resp, dir, err)
		return
	}
	rows := make([]listingEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			r.log.Warn("Skipping directory entry", logger.LogFields{"entry": e.Name(), "dir": dir, "error": err.Error()})
			continue
		}
		rows = append(rows, listingEntry{
			name:  e.Name(),
			isDir: info.IsDir(),
			size:  info.Size(),
			mod:   info.ModTime().UTC().Format("02-Jan-2006 15:04"),
		})
	}
	// directories first, then by name
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].isDir != rows[j].isDir {
			return rows[i].isDir
		}
		return strings.ToLower(rows[i].name) < strings.ToLower(rows[j].name)
	})

	body := renderListing(webPath, rows)
	resp.SetHeader("content-type", "text/html; charset=utf-8")
	resp.SetHeader("cache-control", "no-cache")
	r.send(resp, resp.Send(body))
}

func renderListing(webPath string, rows []listingEntry) []byte {
	base := path.Clean("/" + webPath)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	title := html.EscapeString(base)

	var sb strings.Builder
	fmt.Fprintf(&sb, "<html><head><title>Index of %s</title></head><body>\n", title)
	fmt.Fprintf(&sb, "<h1>Index of %s</h1><hr><pre>\n", title)
	if base != "/" {
		parent := path.Dir(strings.TrimSuffix(base, "/"))
		if parent != "/" {
			parent += "/"
		}
		fmt.Fprintf(&sb, "<a href=\"%s\">../</a>\n", html.EscapeString(parent))
	}
	for _, row := range rows {
		href := base + url.PathEscape(row.name)
		name := html.EscapeString(row.name)
		size := "-"
		if row.isDir {
			href += "/"
			name += "/"
		} else {
			size = humanize.Bytes(uint64(row.size))
		}
		fmt.Fprintf(&sb, "<a href=\"%s\">%s</a>%s %s %10s\n",
			html.EscapeString(href), name, padding(row.name, row.isDir), row.mod, size)
	}
	sb.WriteString("</pre><hr></body></html>\n")
	return []byte(sb.String())
}

// padding aligns the date column after names of up to 50 characters.
func padding(name string, isDir bool) string {
	n := len(name)
	if isDir {
		n++
	}
	if n >= 50 {
		return " "
	}
	return strings.Repeat(" ", 51-n)
}
