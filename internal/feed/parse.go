package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"golang.org/x/net/html/charset"
)

// atomNS is the Atom XML namespace; its presence on the root element is
// what marks a document as Atom.
const atomNS = "http://www.w3.org/2005/Atom"

// Parse failure kinds. Wrapped errors from Parse match exactly one of
// these via errors.Is.
var (
	// ErrMalformedDocument: the document is not well-formed XML.
	ErrMalformedDocument = errors.New("malformed document")
	// ErrUnknownFormat: well-formed XML, but neither RSS nor Atom.
	ErrUnknownFormat = errors.New("unknown feed format")
	// ErrMissingTitle: the channel carries no title.
	ErrMissingTitle = errors.New("channel has no title")
	// ErrMissingLink: the channel carries no usable link.
	ErrMissingLink = errors.New("channel has no link")
)

// xmlNode is a generic element tree. Decoding into it instead of
// dialect-specific structs keeps namespace information, which the
// dialect dispatch and the per-child lookups need.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
	Text     string     `xml:",chardata"`
}

// child returns the first direct child with the given namespace and local
// name. The namespace check keeps foreign-namespace elements with the
// same local name from matching.
func (n *xmlNode) child(space, local string) *xmlNode {
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Space == space && c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

// childText returns the text of the first matching direct child. A child
// that exists but has no text counts as absent.
func (n *xmlNode) childText(space, local string) (string, bool) {
	c := n.child(space, local)
	if c == nil || c.Text == "" {
		return "", false
	}
	return c.Text, true
}

func (n *xmlNode) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Parse turns a raw feed document into a Channel. The dialect is decided
// once, from the root element: an un-namespaced <rss> root is RSS, a root
// in the Atom namespace is Atom, anything else fails with
// ErrUnknownFormat. Documents that are not well-formed XML fail with
// ErrMalformedDocument before dialect detection.
//
// The returned Channel's Link is the link the feed declares for itself;
// callers subscribing a feed overwrite it with the resolved URL the user
// supplied.
func Parse(body []byte) (*Channel, error) {
	var root xmlNode
	if err := decodeXML(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	switch {
	case root.XMLName.Space == "" && root.XMLName.Local == "rss":
		return parseRSS(&root)
	case root.XMLName.Space == atomNS:
		return parseAtom(&root)
	default:
		return nil, fmt.Errorf("%w: root element is <%s>", ErrUnknownFormat, root.XMLName.Local)
	}
}

// decodeXML decodes laxly: non-UTF-8 charsets are converted and HTML
// entities accepted, since real-world feeds use both freely.
func decodeXML(body []byte, doc interface{}) error {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	decoder.CharsetReader = charset.NewReaderLabel
	decoder.Entity = xml.HTMLEntity
	return decoder.Decode(doc)
}

func parseRSS(root *xmlNode) (*Channel, error) {
	channelTag := root.child("", "channel")
	if channelTag == nil {
		return nil, fmt.Errorf("%w: rss document has no channel element", ErrMalformedDocument)
	}

	title, ok := channelTag.childText("", "title")
	if !ok {
		return nil, ErrMissingTitle
	}
	link, ok := channelTag.childText("", "link")
	if !ok {
		return nil, ErrMissingLink
	}
	// Many generators omit description despite the nominal RSS spec;
	// default it rather than reject the feed.
	description, _ := channelTag.childText("", "description")

	channel := &Channel{
		Title:       title,
		Link:        link,
		Description: description,
	}

	if s, ok := channelTag.childText("", "lastBuildDate"); ok {
		channel.LastBuildDate = parseRFC2822(s)
	}

	for i := range channelTag.Children {
		item := &channelTag.Children[i]
		if item.XMLName.Space != "" || item.XMLName.Local != "item" {
			continue
		}
		primary, ok := item.childText("", "title")
		if !ok {
			primary, ok = item.childText("", "description")
		}
		if !ok {
			// An item with neither title nor description is invalid;
			// drop it and keep the rest of the feed.
			continue
		}
		link, _ := item.childText("", "link")
		var publishedAt *time.Time
		if s, ok := item.childText("", "pubDate"); ok {
			publishedAt = parseRFC2822(s)
		}
		channel.Entries = append(channel.Entries, NewEntry(primary, link, publishedAt))
	}

	return channel, nil
}

func parseAtom(root *xmlNode) (*Channel, error) {
	title, ok := root.childText(atomNS, "title")
	if !ok {
		return nil, ErrMissingTitle
	}

	// Stricter than the Atom spec: the feed must declare a rel="self"
	// link so the channel has a canonical fetch URL.
	var link string
	for i := range root.Children {
		c := &root.Children[i]
		if c.XMLName.Space != atomNS || c.XMLName.Local != "link" {
			continue
		}
		if rel, _ := c.attr("rel"); rel == "self" {
			link, _ = c.attr("href")
			break
		}
	}
	if link == "" {
		return nil, ErrMissingLink
	}

	// Atom has no required description equivalent.
	channel := &Channel{Title: title, Link: link}

	for i := range root.Children {
		entry := &root.Children[i]
		if entry.XMLName.Space != atomNS || entry.XMLName.Local != "entry" {
			continue
		}
		// Unlike RSS there is no description fallback; a title-less entry
		// is dropped.
		primary, ok := entry.childText(atomNS, "title")
		if !ok {
			continue
		}
		var link string
		if l := entry.child(atomNS, "link"); l != nil {
			link, _ = l.attr("href")
		}
		var publishedAt *time.Time
		if s, ok := entry.childText(atomNS, "updated"); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				t = t.UTC()
				publishedAt = &t
			}
		}
		channel.Entries = append(channel.Entries, NewEntry(primary, link, publishedAt))
	}

	return channel, nil
}

// rfc2822Formats are tried in order. Real feeds stray from RFC 2822 in
// predictable ways (two and four digit years, missing seconds, named and
// numeric zones), so several variants are accepted.
var rfc2822Formats = []string{
	"Mon, _2 Jan 2006 15:04:05 -0700",
	"Mon, _2 Jan 2006 15:04:05 MST",
	"Mon, _2 Jan 06 15:04:05 -0700",
	"Mon, _2 Jan 06 15:04:05 MST",
	"_2 Jan 2006 15:04:05 -0700",
	"_2 Jan 2006 15:04:05 MST",
	"Mon, _2 Jan 2006 15:04 -0700",
	"Mon, _2 Jan 2006 15:04 MST",
}

// parseRFC2822 parses an RSS date, normalized to UTC. An unparsable date
// is treated as absent, not as an error.
func parseRFC2822(value string) *time.Time {
	for _, f := range rfc2822Formats {
		if t, err := time.Parse(f, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
