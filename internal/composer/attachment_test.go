package composer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shineum/smtp-mailer-lite/internal/email"
	"github.com/shineum/smtp-mailer-lite/internal/mailerr"
)

func TestLoadAttachment_FromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	content := []byte("%PDF-1.4 fake")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	loaded, err := LoadAttachment(email.Attachment{Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Filename != "report.pdf" {
		t.Errorf("filename: got %q, want %q", loaded.Filename, "report.pdf")
	}
	if loaded.ContentType != "application/pdf" {
		t.Errorf("content type: got %q, want %q", loaded.ContentType, "application/pdf")
	}
	if !bytes.Equal(loaded.Content, content) {
		t.Error("content does not match file bytes")
	}
}

func TestLoadAttachment_RelativePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(oldWD) })

	loaded, err := LoadAttachment(email.Attachment{Path: "notes.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Filename != "notes.txt" {
		t.Errorf("filename: got %q, want %q", loaded.Filename, "notes.txt")
	}
}

func TestLoadAttachment_FilenameExtensionDerivation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(path, []byte("a,b\n"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	// Explicit filename without extension inherits the path's.
	loaded, err := LoadAttachment(email.Attachment{Path: path, Filename: "export"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Filename != "export.csv" {
		t.Errorf("filename: got %q, want %q", loaded.Filename, "export.csv")
	}

	// Explicit filename with extension is kept as-is.
	loaded, err = LoadAttachment(email.Attachment{Path: path, Filename: "export.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Filename != "export.txt" {
		t.Errorf("filename: got %q, want %q", loaded.Filename, "export.txt")
	}
}

func TestLoadAttachment_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadAttachment(email.Attachment{Path: "/nonexistent/never.bin"})
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	var me *mailerr.Error
	if !errors.As(err, &me) {
		t.Fatalf("error is not *mailerr.Error: %v", err)
	}
	if me.Code != mailerr.CodeAttachment {
		t.Errorf("code: got %q, want %q", me.Code, mailerr.CodeAttachment)
	}
	if me.Kind != mailerr.KindAttachment {
		t.Errorf("kind: got %q, want %q", me.Kind, mailerr.KindAttachment)
	}
}

func TestLoadAttachment_Directory(t *testing.T) {
	t.Parallel()

	if _, err := LoadAttachment(email.Attachment{Path: os.TempDir()}); err == nil {
		t.Error("expected error for directory path, got nil")
	}
}

func TestLoadAttachment_InlineContent(t *testing.T) {
	t.Parallel()

	loaded, err := LoadAttachment(email.Attachment{Content: []byte("inline bytes")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Filename != "attachment" {
		t.Errorf("default filename: got %q, want %q", loaded.Filename, "attachment")
	}
	if loaded.ContentType != "application/octet-stream" {
		t.Errorf("content type: got %q, want %q", loaded.ContentType, "application/octet-stream")
	}
}

func TestLoadAttachment_ExplicitContentTypeWins(t *testing.T) {
	t.Parallel()

	loaded, err := LoadAttachment(email.Attachment{
		Content:     []byte("x"),
		Filename:    "style.css",
		ContentType: "text/x-custom",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.ContentType != "text/x-custom" {
		t.Errorf("content type: got %q, want %q", loaded.ContentType, "text/x-custom")
	}
}

func TestLoadAttachment_EmptyEntrySkipped(t *testing.T) {
	t.Parallel()

	loaded, err := LoadAttachment(email.Attachment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded != nil {
		t.Errorf("empty entry: got %+v, want nil", loaded)
	}
}

func TestResolveMediaType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want string
	}{
		{".pdf", "application/pdf"},
		{".PDF", "application/pdf"},
		{".unknown", "application/octet-stream"},
		{".png", "image/png"},
		{".woff2", "font/woff2"},
		{".tar", "application/x-tar"},
		{".crt", "application/x-x509-ca-cert"},
		{".go", "text/x-go"},
	}
	for _, tt := range tests {
		if got := ResolveMediaType(tt.ext); got != tt.want {
			t.Errorf("ResolveMediaType(%q): got %q, want %q", tt.ext, got, tt.want)
		}
	}
}

func TestMediaTypeForFilename(t *testing.T) {
	t.Parallel()

	if got := MediaTypeForFilename("archive.tar.gz"); got != "application/gzip" {
		t.Errorf("MediaTypeForFilename(archive.tar.gz): got %q, want application/gzip", got)
	}
	if got := MediaTypeForFilename("noextension"); got != "application/octet-stream" {
		t.Errorf("MediaTypeForFilename(noextension): got %q, want octet-stream", got)
	}
}
