package v2

import (
	"net/http"
	"slices"
	"strings"
	"time"
)

const (
	TusResumableHeader         = "Tus-Resumable"
	TusExtensionHeader         = "Tus-Extension"
	TusVersionHeader           = "Tus-Version"
	TusMaxSizeHeader           = "Tus-Max-Size"
	TusChecksumAlgorithmHeader = "Tus-Checksum-Algorithm"

	TusVersion              = "1.0.0"
	UploadOffsetHeader      = "Upload-Offset"
	UploadLengthHeader      = "Upload-Length"
	UploadMetadataHeader    = "Upload-Metadata"
	UploadDeferLengthHeader = "Upload-Defer-Length"
	UploadExpiresHeader     = "Upload-Expires"
	UploadChecksumHeader    = "Upload-Checksum"
	ContentTypeHeader       = "Content-Type"

	OffsetContentType = "application/offset+octet-stream"

	UploadMaxDuration = 10 * time.Minute
)

type Extension string

const (
	CreationExtension   Extension = "creation"
	ExpirationExtension Extension = "expiration"
	ChecksumExtension   Extension = "checksum"
)

type Extensions []Extension

func (e Extensions) Enabled(ext Extension) bool {
	return slices.Contains(e, ext)
}

func (e Extensions) String() string {
	s := make([]string, 0, len(e))
	for _, v := range e {
		s = append(s, string(v))
	}
	return strings.Join(s, ",")
}

var (
	SupportedTusVersion = []string{
		"0.2.0",
		"1.0.0",
	}
	SupportedChecksumAlgorithms = []string{
		"sha1",
		"md5",
	}
)

// TusResumableHeaderCheck rejects requests without a supported Tus-Resumable
// header. OPTIONS requests are exempt.
func TusResumableHeaderCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		version := r.Header.Get(TusResumableHeader)
		if version == "" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("Tus-Resumable header is missing"))
			return
		}
		if !slices.Contains(SupportedTusVersion, version) {
			w.Header().Set(TusVersionHeader, strings.Join(SupportedTusVersion, ","))
			w.WriteHeader(http.StatusPreconditionFailed)
			w.Write([]byte("Tus version not supported"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TusResumableHeaderInjections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			w.Header().Set(TusResumableHeader, TusVersion)
		}
		next.ServeHTTP(w, r)
	})
}

func uploadExpiresAt(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
