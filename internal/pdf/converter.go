// Package pdf turns report files into oracle attachments.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/vuln-extractor/internal/domain"
	"github.com/spherical/vuln-extractor/internal/observability"
)

// Converter renders PDF pages to JPEG with go-fitz and serves whole
// documents as PDF attachments. It implements domain.DocumentSource.
type Converter struct {
	quality   int
	validator *Validator
	logger    *observability.Logger
	doc       *fitz.Document
	tempDir   string
}

// NewConverter creates a converter encoding pages at the given JPEG quality.
func NewConverter(quality int, logger *observability.Logger) *Converter {
	logger = observability.OrNop(logger)
	return &Converter{
		quality:   quality,
		validator: NewValidator(logger),
		logger:    logger.WithComponent("pdf"),
	}
}

// Split renders every page. Each page is kept in memory for the oracle and
// written to the work directory for inspection.
func (c *Converter) Split(ctx context.Context, pdfPath string) (*domain.SplitDocument, error) {
	if err := c.validator.ValidatePDFPath(pdfPath); err != nil {
		return nil, err
	}
	if err := c.validator.ValidateQuality(c.quality); err != nil {
		return nil, err
	}

	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, domain.ConversionError("failed to open PDF", err)
	}
	c.doc = doc

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.ValidationError("PDF has no pages", nil)
	}

	tempDir, err := os.MkdirTemp("", "vuln-extractor-*")
	if err != nil {
		return nil, domain.IOError("failed to create temp directory", err)
	}
	c.tempDir = tempDir

	split := &domain.SplitDocument{
		SourcePath: pdfPath,
		PageCount:  pageCount,
		Pages:      make([]domain.Page, 0, pageCount),
		WorkDir:    tempDir,
	}

	for i := 0; i < pageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.Image(i)
		if err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to render page %d", i+1), err)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
			return nil, domain.ConversionError(fmt.Sprintf("failed to encode page %d as JPEG", i+1), err)
		}

		name := fmt.Sprintf("page_%03d.jpg", i+1)
		path := filepath.Join(tempDir, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
			return nil, domain.IOError(fmt.Sprintf("failed to write page %d", i+1), err)
		}

		split.Pages = append(split.Pages, domain.Page{
			Number: i + 1,
			Path:   path,
			Attachment: domain.Attachment{
				Name:     name,
				MIMEType: "image/jpeg",
				Data:     buf.Bytes(),
			},
		})
	}

	c.logger.Debug().Str("path", pdfPath).Int("pages", pageCount).Msg("rendered document")
	return split, nil
}

// Load returns the raw PDF bytes as a single attachment.
func (c *Converter) Load(ctx context.Context, pdfPath string) (domain.Attachment, error) {
	if err := c.validator.ValidatePDFPath(pdfPath); err != nil {
		return domain.Attachment{}, err
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return domain.Attachment{}, domain.IOError("failed to read PDF", err)
	}
	return domain.Attachment{
		Name:     filepath.Base(pdfPath),
		MIMEType: "application/pdf",
		Data:     data,
	}, nil
}

// Cleanup closes the document and removes rendered pages.
func (c *Converter) Cleanup() error {
	if c.doc != nil {
		c.doc.Close()
		c.doc = nil
	}
	if c.tempDir == "" {
		return nil
	}
	dir := c.tempDir
	c.tempDir = ""
	if err := os.RemoveAll(dir); err != nil {
		return domain.IOError("failed to remove work directory", err)
	}
	return nil
}
