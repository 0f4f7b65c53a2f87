// Package serviceprofile provides a static types.ServiceProfile built
// from endpoint/bucket configuration, standing in for the pluggable
// S3-dialect module the request pipeline is deliberately built against an
// interface for.
package serviceprofile

import "strings"

// Profile is a types.ServiceProfile for a virtual-hosted or path-style
// S3-compatible endpoint.
type Profile struct {
	endpoint     string
	bucket       string
	pathStyle    bool
	headerPrefix string

	multipartUpload   bool
	multipartDownload bool
	nextMarker        bool
}

// Config describes how to reach one bucket on one endpoint.
type Config struct {
	// Endpoint is the scheme+host, e.g. "https://s3.amazonaws.com".
	Endpoint string
	Bucket   string
	// PathStyle selects bucket-in-path addressing
	// (https://host/bucket/key) over virtual-hosted-style
	// (https://bucket.host/key).
	PathStyle bool
	// HeaderPrefix is the vendor header prefix, e.g. "x-amz-".
	HeaderPrefix string

	MultipartUploadSupported   bool
	MultipartDownloadSupported bool
	// NextMarkerSupported reports whether bucket listing responses carry
	// a NextMarker element distinct from the last returned key.
	NextMarkerSupported bool
}

// New builds a Profile from cfg.
func New(cfg Config) *Profile {
	headerPrefix := cfg.HeaderPrefix
	if headerPrefix == "" {
		headerPrefix = "x-amz-"
	}
	return &Profile{
		endpoint:          strings.TrimSuffix(cfg.Endpoint, "/"),
		bucket:            strings.Trim(cfg.Bucket, "/"),
		pathStyle:         cfg.PathStyle,
		headerPrefix:      headerPrefix,
		multipartUpload:   cfg.MultipartUploadSupported,
		multipartDownload: cfg.MultipartDownloadSupported,
		nextMarker:        cfg.NextMarkerSupported,
	}
}

// URLPrefix is the scheme+host+bucket portion prepended to a resource
// path, e.g. "https://bucket.s3.amazonaws.com" or
// "https://s3.amazonaws.com/bucket".
func (p *Profile) URLPrefix() string {
	if p.pathStyle {
		return p.endpoint + "/" + p.bucket
	}
	scheme, host, ok := strings.Cut(p.endpoint, "://")
	if !ok {
		return p.endpoint + "/" + p.bucket
	}
	return scheme + "://" + p.bucket + "." + host
}

// BucketURL is the URL of the bucket root, always ending without a
// trailing slash; Object appends its own path and, for directories, a
// trailing slash.
func (p *Profile) BucketURL() string {
	return p.URLPrefix()
}

func (p *Profile) HeaderPrefix() string { return p.headerPrefix }

func (p *Profile) IsMultipartUploadSupported() bool   { return p.multipartUpload }
func (p *Profile) IsMultipartDownloadSupported() bool { return p.multipartDownload }
func (p *Profile) IsNextMarkerSupported() bool        { return p.nextMarker }
