// Package xmlutil provides a minimal parsed-tree view over bucket listing
// XML bodies, since no dependency in the example corpus offers an
// XPath-like accessor for encoding/xml's decoder: BucketReader needs to
// pull ad hoc fields (Key, IsTruncated, Marker, NextMarker,
// CommonPrefixes/Prefix) out of a ListBucketResult-shaped document
// without hand-declaring a struct tied to one dialect's exact tag set.
package xmlutil

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

// Node is one element of a parsed XML document: its local tag name, its
// text content (if it has no child elements), and its children in
// document order.
type Node struct {
	Name     string
	Text     string
	Children []*Node
}

// Document is a parsed XML document rooted at a single top-level element.
type Document struct {
	Root *Node
}

// Parse decodes data into a Document.
func Parse(data []byte) (*Document, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))

	var stack []*Node
	var root *Node

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, apperrors.Parse("xmlutil.parse", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if root == nil {
		return nil, apperrors.Parse("xmlutil.parse", errEmptyDocument)
	}
	return &Document{Root: root}, nil
}

var errEmptyDocument = xmlError("no root element found")

type xmlError string

func (e xmlError) Error() string { return string(e) }

// Find returns the trimmed text content of the first descendant of doc's
// root matching the slash-separated path of tag names, e.g.
// "Contents/Key". Returns false if no such element exists.
func (d *Document) Find(path string) (string, bool) {
	n := findPath(d.Root, splitPath(path))
	if n == nil {
		return "", false
	}
	return strings.TrimSpace(n.Text), true
}

// FindAll returns the trimmed text content of every element matching
// path relative to the root's children — this only descends one level of
// repetition (e.g. every "Contents/Key" under a root that repeats
// <Contents> children), which is exactly the shape of a bucket listing.
func (d *Document) FindAll(path string) []string {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil
	}
	var out []string
	for _, child := range d.Root.Children {
		if child.Name != segs[0] {
			continue
		}
		if len(segs) == 1 {
			out = append(out, strings.TrimSpace(child.Text))
			continue
		}
		if n := findPath(child, segs[1:]); n != nil {
			out = append(out, strings.TrimSpace(n.Text))
		}
	}
	return out
}

func findPath(n *Node, segs []string) *Node {
	if n == nil || len(segs) == 0 {
		return n
	}
	for _, child := range n.Children {
		if child.Name == segs[0] {
			if len(segs) == 1 {
				return child
			}
			if found := findPath(child, segs[1:]); found != nil {
				return found
			}
		}
	}
	return nil
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
