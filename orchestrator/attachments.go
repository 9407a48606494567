package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aschepis/backscratcher/relay/llm"
)

// ErrUnsupportedAttachment is returned for files that are neither images nor PDFs.
var ErrUnsupportedAttachment = errors.New("unsupported attachment type")

// AttachmentKind selects the content part an attachment becomes.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentPDF   AttachmentKind = "pdf"
)

// Attachment is a file already uploaded to the remote side.
type Attachment struct {
	FileID string         `json:"file_id"`
	Kind   AttachmentKind `json:"kind"`
}

func (a Attachment) part() (llm.ContentPart, error) {
	switch a.Kind {
	case AttachmentImage:
		return llm.ContentPart{Type: llm.PartInputImage, FileID: a.FileID}, nil
	case AttachmentPDF:
		return llm.ContentPart{Type: llm.PartInputFile, FileID: a.FileID}, nil
	}
	return llm.ContentPart{}, fmt.Errorf("%w: %q", ErrUnsupportedAttachment, a.Kind)
}

var attachmentKinds = map[string]AttachmentKind{
	"image/jpeg":      AttachmentImage,
	"image/jpg":       AttachmentImage,
	"image/png":       AttachmentImage,
	"image/webp":      AttachmentImage,
	"application/pdf": AttachmentPDF,
}

// DetectAttachmentKind sniffs the file at path.
func DetectAttachmentKind(path string) (AttachmentKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("attachment %s is a directory", path)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("attachment %s is empty", path)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	mime := http.DetectContentType(head[:n])
	kind, ok := attachmentKinds[mime]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAttachment, mime)
	}
	return kind, nil
}

// AttachLocalFile validates and uploads a local image or PDF for use as an
// attachment.
func AttachLocalFile(ctx context.Context, uploader llm.FileUploader, path string) (Attachment, error) {
	kind, err := DetectAttachmentKind(path)
	if err != nil {
		return Attachment{}, err
	}
	f, err := uploader.UploadFile(ctx, path, llm.PurposeUserData)
	if err != nil {
		return Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return Attachment{FileID: f.ID, Kind: kind}, nil
}
