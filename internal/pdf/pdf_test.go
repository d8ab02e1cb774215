package pdf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/vuln-extractor/internal/domain"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestValidator_ValidatePDFPath(t *testing.T) {
	v := NewValidator(nil)

	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr bool
	}{
		{"empty path", func(*testing.T) string { return "  " }, true},
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.pdf") }, true},
		{"directory", func(t *testing.T) string {
			dir := filepath.Join(t.TempDir(), "dir.pdf")
			require.NoError(t, os.Mkdir(dir, 0o755))
			return dir
		}, true},
		{"wrong extension", func(t *testing.T) string { return writeFile(t, "scan.txt", []byte("%PDF-1.7")) }, true},
		{"bad header", func(t *testing.T) string { return writeFile(t, "scan.pdf", []byte("<html>")) }, true},
		{"short file", func(t *testing.T) string { return writeFile(t, "scan.pdf", []byte("%P")) }, true},
		{"valid", func(t *testing.T) string { return writeFile(t, "Scan.PDF", []byte("%PDF-1.7\n")) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePDFPath(tt.path(t))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidator_ValidateQuality(t *testing.T) {
	v := NewValidator(nil)
	assert.NoError(t, v.ValidateQuality(1))
	assert.NoError(t, v.ValidateQuality(100))
	assert.Error(t, v.ValidateQuality(0))
	assert.Error(t, v.ValidateQuality(101))
}

func TestConverter_Load(t *testing.T) {
	path := writeFile(t, "report.pdf", []byte("%PDF-1.4 body"))
	c := NewConverter(85, nil)

	att, err := c.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", att.Name)
	assert.Equal(t, "application/pdf", att.MIMEType)
	assert.Equal(t, []byte("%PDF-1.4 body"), att.Data)
	assert.NoError(t, c.Cleanup())
}

func TestConverter_SplitRejectsInvalidInput(t *testing.T) {
	c := NewConverter(85, nil)
	_, err := c.Split(context.Background(), writeFile(t, "x.pdf", []byte("nope")))
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))

	c = NewConverter(0, nil)
	_, err = c.Split(context.Background(), writeFile(t, "y.pdf", []byte("%PDF-1.7")))
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))
	assert.NoError(t, c.Cleanup())
}

func TestConverter_ImplementsDocumentSource(t *testing.T) {
	var _ domain.DocumentSource = NewConverter(85, nil)
}
