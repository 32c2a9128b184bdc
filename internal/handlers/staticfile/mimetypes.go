package staticfile

import (
	"mime"
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

// builtinMimeTypes covers the extensions served most often. It is consulted
// before the platform table so results do not depend on the host.
var builtinMimeTypes = map[string]string{
	".aac":    "audio/aac",
	".abw":    "application/x-abiword",
	".apng":   "image/apng",
	".arc":    "application/x-freearc",
	".avif":   "image/avif",
	".avi":    "video/x-msvideo",
	".azw":    "application/vnd.amazon.ebook",
	".bin":    "application/octet-stream",
	".bmp":    "image/bmp",
	".bz":     "application/x-bzip",
	".bz2":    "application/x-bzip2",
	".cda":    "application/x-cdf",
	".csh":    "application/x-csh",
	".css":    "text/css; charset=utf-8",
	".csv":    "text/csv; charset=utf-8",
	".doc":    "application/msword",
	".docx":   "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".eot":    "application/vnd.ms-fontobject",
	".epub":   "application/epub+zip",
	".gz":     "application/gzip",
	".gif":    "image/gif",
	".htm":    "text/html; charset=utf-8",
	".html":   "text/html; charset=utf-8",
	".ico":    "image/vnd.microsoft.icon",
	".ics":    "text/calendar; charset=utf-8",
	".jar":    "application/java-archive",
	".jpeg":   "image/jpeg",
	".jpg":    "image/jpeg",
	".js":     "text/javascript; charset=utf-8",
	".json":   "application/json; charset=utf-8",
	".jsonld": "application/ld+json; charset=utf-8",
	".mid":    "audio/midi",
	".midi":   "audio/midi",
	".mjs":    "text/javascript; charset=utf-8",
	".mp3":    "audio/mpeg",
	".mp4":    "video/mp4",
	".mpeg":   "video/mpeg",
	".mpkg":   "application/vnd.apple.installer+xml",
	".odp":    "application/vnd.oasis.opendocument.presentation",
	".ods":    "application/vnd.oasis.opendocument.spreadsheet",
	".odt":    "application/vnd.oasis.opendocument.text",
	".oga":    "audio/ogg",
	".ogv":    "video/ogg",
	".ogx":    "application/ogg",
	".opus":   "audio/opus",
	".otf":    "font/otf",
	".png":    "image/png",
	".pdf":    "application/pdf",
	".php":    "application/x-httpd-php",
	".ppt":    "application/vnd.ms-powerpoint",
	".pptx":   "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".rar":    "application/vnd.rar",
	".rtf":    "application/rtf",
	".sh":     "application/x-sh",
	".svg":    "image/svg+xml",
	".tar":    "application/x-tar",
	".tif":    "image/tiff",
	".tiff":   "image/tiff",
	".ts":     "video/mp2t",
	".ttf":    "font/ttf",
	".txt":    "text/plain; charset=utf-8",
	".vsd":    "application/vnd.visio",
	".wav":    "audio/wav",
	".weba":   "audio/webm",
	".webm":   "video/webm",
	".webp":   "image/webp",
	".woff":   "font/woff",
	".woff2":  "font/woff2",
	".xhtml":  "application/xhtml+xml; charset=utf-8",
	".xls":    "application/vnd.ms-excel",
	".xlsx":   "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xml":    "application/xml; charset=utf-8",
	".xul":    "application/vnd.mozilla.xul+xml",
	".zip":    "application/zip",
	".3gp":    "video/3gpp",
	".3g2":    "video/3gpp2",
	".7z":     "application/x-7z-compressed",
}

// ResolveMimeType returns the content type for a file extension such as
// ".html". Lookup order: custom, the built-in table, mime.TypeByExtension,
// then application/octet-stream.
func ResolveMimeType(extension string, custom map[string]string) string {
	if extension == "" {
		return octetStream
	}
	ext := strings.ToLower(extension)
	if t, ok := custom[ext]; ok {
		return t
	}
	if t, ok := builtinMimeTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return octetStream
}

func mimeTypeFor(path string, custom map[string]string) string {
	return ResolveMimeType(filepath.Ext(path), custom)
}

// compressible reports whether a response of contentType is worth gzipping.
func compressible(contentType string) bool {
	t := contentType
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimSpace(strings.ToLower(t))
	if strings.HasPrefix(t, "text/") {
		return true
	}
	switch t {
	case "application/json", "application/ld+json", "application/javascript",
		"application/xml", "application/xhtml+xml", "image/svg+xml":
		return true
	}
	return strings.HasSuffix(t, "+json") || strings.HasSuffix(t, "+xml")
}
