package hasher

import (
	"net/http"
	"path/filepath"
	"strings"
)

// Evidence file types that content sniffing reports too generically
// (office documents sniff as zip, mail as plain text).
var extensionTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".json": "application/json",
	".xml":  "application/xml",
	".eml":  "message/rfc822",
	".msg":  "application/vnd.ms-outlook",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".heic": "image/heic",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".zip":  "application/zip",
}

// DetectMime guesses a media type from the file extension, falling back to
// sniffing the first bytes. The table is built in so hints are identical
// on every machine.
func DetectMime(path string, head []byte) string {
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return http.DetectContentType(head)
}
