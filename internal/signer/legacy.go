// Package signer provides two types.Signer implementations: the classic
// V2-style HMAC canonical-string signer that no example dependency
// implements (so it is hand-rolled against the standard library), and a
// SigV4 signer that delegates to the AWS SDK's implementation.
package signer

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/objectfs/s3corefs/pkg/types"
)

// LegacyAuthSigner implements the classic S3 canonical-string signing
// scheme:
//
//	method \n content-md5 \n content-type \n date \n
//	<sorted x-amz- headers as "name:value", one per line> \n
//	<unprefixed URL path>
//
// No dependency in the example corpus implements this legacy scheme, so
// it is built directly against crypto/hmac, crypto/sha1, and
// encoding/base64 rather than reached for as a library call.
type LegacyAuthSigner struct {
	AccessKey string
	SecretKey string
}

func (s *LegacyAuthSigner) Sign(req types.SignableRequest, lastSignFailed bool) error {
	canonical := s.canonicalString(req)

	mac := hmac.New(sha1.New, []byte(s.SecretKey))
	mac.Write([]byte(canonical))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.SetHeader("Authorization", fmt.Sprintf("AWS %s:%s", s.AccessKey, signature))
	return nil
}

func (s *LegacyAuthSigner) canonicalString(req types.SignableRequest) string {
	var b strings.Builder
	b.WriteString(req.Method())
	b.WriteByte('\n')
	b.WriteString(req.ContentMD5())
	b.WriteByte('\n')
	b.WriteString(req.ContentType())
	b.WriteByte('\n')
	b.WriteString(req.DateHeader())
	b.WriteByte('\n')

	amz := req.AmzHeaders()
	names := make([]string, 0, len(amz))
	for name := range amz {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(amz[name])
		b.WriteByte('\n')
	}

	b.WriteString(req.URLPath())
	return b.String()
}
