package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRequest is a minimal types.SignableRequest for exercising the
// canonical string construction without a real *request.Request, so the
// signer tests need no HTTP fixture or runtime context.
type fakeRequest struct {
	method      string
	contentMD5  string
	contentType string
	date        string
	amz         map[string]string
	urlPath     string
	headers     map[string]string
}

func (f *fakeRequest) Method() string                 { return f.method }
func (f *fakeRequest) ContentMD5() string             { return f.contentMD5 }
func (f *fakeRequest) ContentType() string            { return f.contentType }
func (f *fakeRequest) DateHeader() string             { return f.date }
func (f *fakeRequest) AmzHeaders() map[string]string  { return f.amz }
func (f *fakeRequest) URLPath() string                { return f.urlPath }
func (f *fakeRequest) SetHeader(key, value string) {
	if f.headers == nil {
		f.headers = map[string]string{}
	}
	f.headers[key] = value
}

func TestLegacyAuthSigner_CanonicalStringOrdering(t *testing.T) {
	s := &LegacyAuthSigner{AccessKey: "AKIDEXAMPLE", SecretKey: "secret"}
	req := &fakeRequest{
		method:      "PUT",
		contentType: "text/plain",
		date:        "Tue, 27 Mar 2007 21:15:45 +0000",
		amz: map[string]string{
			"x-amz-meta-z": "last",
			"x-amz-meta-a": "first",
		},
		urlPath: "/bucket/key",
	}

	canonical := s.canonicalString(req)
	expected := "PUT\n\ntext/plain\nTue, 27 Mar 2007 21:15:45 +0000\n" +
		"x-amz-meta-a:first\nx-amz-meta-z:last\n/bucket/key"
	assert.Equal(t, expected, canonical)
}

func TestLegacyAuthSigner_SetsAuthorizationHeader(t *testing.T) {
	s := &LegacyAuthSigner{AccessKey: "AKIDEXAMPLE", SecretKey: "secret"}
	req := &fakeRequest{method: "GET", urlPath: "/bucket/key", amz: map[string]string{}}

	require.NoError(t, s.Sign(req, false))
	auth, ok := req.headers["Authorization"]
	require.True(t, ok)
	assert.Contains(t, auth, "AWS AKIDEXAMPLE:")
}

func TestLegacyAuthSigner_Deterministic(t *testing.T) {
	s := &LegacyAuthSigner{AccessKey: "AKIDEXAMPLE", SecretKey: "secret"}
	req1 := &fakeRequest{method: "GET", urlPath: "/bucket/key", date: "d", amz: map[string]string{}}
	req2 := &fakeRequest{method: "GET", urlPath: "/bucket/key", date: "d", amz: map[string]string{}}

	require.NoError(t, s.Sign(req1, false))
	require.NoError(t, s.Sign(req2, false))
	assert.Equal(t, req1.headers["Authorization"], req2.headers["Authorization"])
}
