package composer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

// LoadedAttachment is an attachment resolved to bytes, ready for encoding.
type LoadedAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// LoadAttachment resolves an Attachment entry to its bytes and final filename.
// Path entries are cleaned, made absolute against the working directory,
// checked for existence and read fully into memory. Inline content is adopted
// as-is. Entries with neither path nor content return (nil, nil) and are
// skipped by the composer.
func LoadAttachment(att email.Attachment) (*LoadedAttachment, error) {
	switch {
	case att.Path != "":
		return loadFromPath(att)
	case len(att.Content) > 0:
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		return &LoadedAttachment{
			Filename:    name,
			ContentType: resolveContentType(att, name),
			Content:     att.Content,
		}, nil
	default:
		return nil, nil
	}
}

func loadFromPath(att email.Attachment) (*LoadedAttachment, error) {
	path := filepath.Clean(att.Path)
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, mailerr.Wrap(mailerr.CodeAttachment, "resolving working directory", err)
		}
		path = filepath.Join(cwd, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.CodeAttachment,
			fmt.Sprintf("attachment not accessible: %s", path), err).
			WithContext("path", path)
	}
	if info.IsDir() {
		return nil, mailerr.Newf(mailerr.CodeAttachment, "attachment is a directory: %s", path).
			WithContext("path", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.CodeAttachment,
			fmt.Sprintf("reading attachment: %s", path), err).
			WithContext("path", path)
	}

	name := att.Filename
	switch {
	case name == "":
		name = filepath.Base(path)
	case filepath.Ext(name) == "" && filepath.Ext(path) != "":
		name += filepath.Ext(path)
	}

	return &LoadedAttachment{
		Filename:    name,
		ContentType: resolveContentType(att, name),
		Content:     content,
	}, nil
}

// resolveContentType picks the media type: explicit override first, then the
// filename extension, then the octet-stream default.
func resolveContentType(att email.Attachment, filename string) string {
	if att.ContentType != "" {
		return att.ContentType
	}
	return MediaTypeForFilename(filename)
}
