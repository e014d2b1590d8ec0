// Package feed decodes the Atom documents served by the video platform's
// channel feed and pushed by the hub.
package feed

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"clip_relay/internal/domain"
)

type document struct {
	XMLName xml.Name       `xml:"feed"`
	Entries []entry        `xml:"entry"`
	Deleted []deletedEntry `xml:"http://purl.org/atompub/tombstones/1.0 deleted-entry"`
}

type entry struct {
	ID        string `xml:"id"`
	VideoID   string `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	ChannelID string `xml:"http://www.youtube.com/xml/schemas/2015 channelId"`
	Title     string `xml:"title"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
}

type deletedEntry struct {
	Ref  string `xml:"ref,attr"`
	When string `xml:"when,attr"`
	By   struct {
		URI string `xml:"uri"`
	} `xml:"http://purl.org/atompub/tombstones/1.0 by"`
}

// Entry is one video announced in a feed.
type Entry struct {
	ChannelID string
	domain.Upload
	UpdatedAt time.Time
}

// Tombstone announces a removed video.
type Tombstone struct {
	ChannelID string
	VideoID   string
	At        time.Time
}

type Feed struct {
	Entries    []Entry
	Tombstones []Tombstone
}

// Parse decodes an Atom feed. Entries without a video id or publish time are
// rejected with domain.ErrInvalidFormat.
func Parse(data []byte) (*Feed, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode atom: %v", domain.ErrInvalidFormat, err)
	}

	out := &Feed{Entries: make([]Entry, 0, len(doc.Entries))}
	for _, e := range doc.Entries {
		videoID := strings.TrimSpace(e.VideoID)
		if videoID == "" {
			videoID = strings.TrimPrefix(strings.TrimSpace(e.ID), "yt:video:")
		}
		if videoID == "" {
			return nil, fmt.Errorf("%w: entry without video id", domain.ErrInvalidFormat)
		}
		published, err := parseTime(e.Published)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: published: %v", domain.ErrInvalidFormat, videoID, err)
		}
		updated, _ := parseTime(e.Updated)

		out.Entries = append(out.Entries, Entry{
			ChannelID: strings.TrimSpace(e.ChannelID),
			Upload: domain.Upload{
				VideoID:     videoID,
				Title:       strings.TrimSpace(e.Title),
				PublishedAt: published,
			},
			UpdatedAt: updated,
		})
	}

	for _, d := range doc.Deleted {
		at, _ := parseTime(d.When)
		out.Tombstones = append(out.Tombstones, Tombstone{
			ChannelID: channelFromURI(d.By.URI),
			VideoID:   strings.TrimPrefix(d.Ref, "yt:video:"),
			At:        at,
		})
	}
	return out, nil
}

// Uploads returns the feed entries as uploads sorted oldest first.
func (f *Feed) Uploads() []domain.Upload {
	out := make([]domain.Upload, 0, len(f.Entries))
	for _, e := range f.Entries {
		out = append(out, e.Upload)
	}
	SortOldestFirst(out)
	return out
}

// SortOldestFirst orders uploads by marker, oldest first.
func SortOldestFirst(uploads []domain.Upload) {
	sort.SliceStable(uploads, func(i, j int) bool {
		return uploads[i].Marker().Less(uploads[j].Marker())
	})
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func channelFromURI(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if i := strings.LastIndex(uri, "/channel/"); i >= 0 {
		return uri[i+len("/channel/"):]
	}
	return ""
}
