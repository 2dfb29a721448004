package gotd

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gotd/td/tg"

	relay "github.com/kavero/relay"
)

// mediaRef is the payload behind the engine's opaque media reference:
// enough to rebuild both the input media for sends and the file
// location for downloads, without another metadata round-trip.
type mediaRef struct {
	Type          string `json:"t"` // "photo" or "document"
	ID            int64  `json:"id"`
	AccessHash    int64  `json:"ah"`
	FileReference []byte `json:"fr"`
	ThumbSize     string `json:"ts,omitempty"` // largest photo size type
}

func encodeRef(r mediaRef) string {
	b, _ := json.Marshal(r)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeRef(s string) (mediaRef, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return mediaRef{}, fmt.Errorf("media ref: %w", err)
	}
	var r mediaRef
	if err := json.Unmarshal(b, &r); err != nil {
		return mediaRef{}, fmt.Errorf("media ref: %w", err)
	}
	return r, nil
}

// classifyMedia extracts the engine-facing media attributes of a raw
// message media. Unsupported media classifies as none.
func classifyMedia(media tg.MessageMediaClass) (kind relay.MediaKind, size int64, fileName, ref string) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.AsNotEmpty()
		if !ok {
			return relay.KindNone, 0, "", ""
		}
		thumb, bytes := largestPhotoSize(photo.Sizes)
		return relay.KindPhoto, bytes, "", encodeRef(mediaRef{
			Type:          "photo",
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		})
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return relay.KindNone, 0, "", ""
		}
		kind, fileName = documentKind(doc)
		return kind, doc.Size, fileName, encodeRef(mediaRef{
			Type:          "document",
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		})
	default:
		return relay.KindNone, 0, "", ""
	}
}

// documentKind maps document attributes to the media-kind enum.
func documentKind(doc *tg.Document) (relay.MediaKind, string) {
	kind := relay.KindDocument
	var fileName string
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			fileName = a.FileName
		case *tg.DocumentAttributeVideo:
			if a.RoundMessage {
				kind = relay.KindVideoNote
			} else {
				kind = relay.KindVideo
			}
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				kind = relay.KindVoice
			} else {
				kind = relay.KindAudio
			}
		case *tg.DocumentAttributeAnimated:
			kind = relay.KindAnimation
		}
	}
	return kind, fileName
}

// largestPhotoSize picks the highest-resolution size type and its byte
// count. Photos carry no declared size elsewhere.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int64) {
	var (
		best      string
		bestBytes int64
	)
	for _, s := range sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			if int64(sz.Size) >= bestBytes {
				best, bestBytes = sz.Type, int64(sz.Size)
			}
		case *tg.PhotoSizeProgressive:
			var max int
			for _, n := range sz.Sizes {
				if n > max {
					max = n
				}
			}
			if int64(max) >= bestBytes {
				best, bestBytes = sz.Type, int64(max)
			}
		}
	}
	return best, bestBytes
}

// inputMedia rebuilds the send payload from a reference.
func inputMedia(ref string) (tg.InputMediaClass, error) {
	r, err := decodeRef(ref)
	if err != nil {
		return nil, err
	}
	switch r.Type {
	case "photo":
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
		}}, nil
	case "document":
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
		}}, nil
	default:
		return nil, fmt.Errorf("media ref: unknown type %q", r.Type)
	}
}

// fileLocation rebuilds the download location from a reference.
func fileLocation(ref string) (tg.InputFileLocationClass, error) {
	r, err := decodeRef(ref)
	if err != nil {
		return nil, err
	}
	switch r.Type {
	case "photo":
		return &tg.InputPhotoFileLocation{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
			ThumbSize:     r.ThumbSize,
		}, nil
	case "document":
		return &tg.InputDocumentFileLocation{
			ID:            r.ID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
		}, nil
	default:
		return nil, fmt.Errorf("media ref: unknown type %q", r.Type)
	}
}
