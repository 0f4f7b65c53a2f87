package xmlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listBucketXML = `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>true</IsTruncated>
  <NextMarker>b</NextMarker>
  <Contents><Key>a</Key></Contents>
  <Contents><Key>b</Key></Contents>
  <CommonPrefixes><Prefix>dir/</Prefix></CommonPrefixes>
</ListBucketResult>`

func TestParse_FindAndFindAll(t *testing.T) {
	doc, err := Parse([]byte(listBucketXML))
	require.NoError(t, err)

	truncated, ok := doc.Find("IsTruncated")
	require.True(t, ok)
	assert.Equal(t, "true", truncated)

	marker, ok := doc.Find("NextMarker")
	require.True(t, ok)
	assert.Equal(t, "b", marker)

	keys := doc.FindAll("Contents/Key")
	assert.Equal(t, []string{"a", "b"}, keys)

	prefixes := doc.FindAll("CommonPrefixes/Prefix")
	assert.Equal(t, []string{"dir/"}, prefixes)
}

func TestFind_MissingElement(t *testing.T) {
	doc, err := Parse([]byte(`<Root><A>1</A></Root>`))
	require.NoError(t, err)
	_, ok := doc.Find("B")
	assert.False(t, ok)
}

func TestParse_MalformedXML(t *testing.T) {
	_, err := Parse([]byte(`<Root><A>`))
	assert.Error(t, err)
}

func TestParse_EmptyValueStillParsed(t *testing.T) {
	doc, err := Parse([]byte(`<Root><A></A></Root>`))
	require.NoError(t, err)
	val, ok := doc.Find("A")
	require.True(t, ok)
	assert.Equal(t, "", val)
}
