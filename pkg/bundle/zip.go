package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const zipCommentPrefix = "cdil-evidence-bundle/"

// encodeZip writes the manifest parts as individual files. File entries
// carry no timestamps, so the same manifest always produces the same
// bytes.
func encodeZip(m *Manifest) ([]byte, error) {
	reportJSON, err := json.MarshalIndent(m.VerificationReport, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bundle: encode report: %w", err)
	}
	metaJSON, err := json.MarshalIndent(m.LitigationMetadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bundle: encode litigation metadata: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	if err := w.SetComment(zipCommentPrefix + m.FormatVersion); err != nil {
		return nil, fmt.Errorf("bundle: zip comment: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{FileCertificate, m.Certificate},
		{FileCanonicalMessage, m.CanonicalMessage},
		{FilePublicKey, []byte(m.PublicKeyPEM)},
		{FileVerificationReport, reportJSON},
		{FileLitigationMetadata, metaJSON},
		{FileReadme, []byte(m.Readme)},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("bundle: zip %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, fmt.Errorf("bundle: zip %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bundle: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseZip reads a .zip bundle back into a manifest.
func ParseZip(data []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("bundle: open zip: %w", err)
	}
	version, ok := strings.CutPrefix(zr.Comment, zipCommentPrefix)
	if !ok {
		return nil, fmt.Errorf("bundle: zip comment %q does not identify an evidence bundle", zr.Comment)
	}

	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", f.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("bundle: read %s: %w", f.Name, closeErr)
		}
		contents[f.Name] = b
	}
	for _, required := range []string{
		FileCertificate, FileCanonicalMessage, FilePublicKey,
		FileVerificationReport, FileLitigationMetadata, FileReadme,
	} {
		if _, ok := contents[required]; !ok {
			return nil, fmt.Errorf("bundle: missing %s", required)
		}
	}

	m := &Manifest{
		FormatVersion:    version,
		Certificate:      contents[FileCertificate],
		CanonicalMessage: contents[FileCanonicalMessage],
		PublicKeyPEM:     string(contents[FilePublicKey]),
		Readme:           string(contents[FileReadme]),
	}
	if err := json.Unmarshal(contents[FileVerificationReport], &m.VerificationReport); err != nil {
		return nil, fmt.Errorf("bundle: parse %s: %w", FileVerificationReport, err)
	}
	if err := json.Unmarshal(contents[FileLitigationMetadata], &m.LitigationMetadata); err != nil {
		return nil, fmt.Errorf("bundle: parse %s: %w", FileLitigationMetadata, err)
	}
	m.GeneratedAt = m.LitigationMetadata.VerifiedAt
	return m, nil
}
