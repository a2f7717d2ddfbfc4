package composer

import "strings"

// defaultMediaType is returned for extensions not present in the table.
const defaultMediaType = "application/octet-stream"

// mediaTypes maps a lowercased file extension (with leading dot) to its
// media type. The table is fixed; unknown extensions fall back to
// application/octet-stream.
var mediaTypes = map[string]string{
	// Documents
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".md":   "text/markdown",
	".pdf":  "application/pdf",
	".rtf":  "application/rtf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".json": "application/json",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",

	// Images
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".ico":  "image/vnd.microsoft.icon",
	".tif":  "image/tiff",
	".tiff": "image/tiff",

	// Audio
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".weba": "audio/webm",

	// Video
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",

	// Fonts
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".woff":  "font/woff",
	".woff2": "font/woff2",

	// Archives
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
	".bz2": "application/x-bzip2",
	".7z":  "application/x-7z-compressed",
	".rar": "application/vnd.rar",

	// Certificates and keys
	".pem": "application/x-pem-file",
	".crt": "application/x-x509-ca-cert",
	".cer": "application/x-x509-ca-cert",
	".der": "application/x-x509-ca-cert",
	".p12": "application/x-pkcs12",
	".pfx": "application/x-pkcs12",

	// Source code
	".go":   "text/x-go",
	".c":    "text/x-c",
	".h":    "text/x-c",
	".cpp":  "text/x-c++",
	".py":   "text/x-python",
	".rb":   "text/x-ruby",
	".java": "text/x-java-source",
	".js":   "text/javascript",
	".mjs":  "text/javascript",
	".ts":   "text/x-typescript",
	".sh":   "application/x-sh",
	".sql":  "application/sql",
}

// ResolveMediaType looks up the media type for a file extension. The lookup
// is case-insensitive and expects the leading dot; unknown extensions map to
// application/octet-stream.
func ResolveMediaType(ext string) string {
	if mt, ok := mediaTypes[strings.ToLower(ext)]; ok {
		return mt
	}
	return defaultMediaType
}

// MediaTypeForFilename resolves the media type from a filename's extension.
func MediaTypeForFilename(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return defaultMediaType
	}
	return ResolveMediaType(name[i:])
}
