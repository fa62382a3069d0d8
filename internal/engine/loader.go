package engine

import (
	"context"
	"fmt"

	"github.com/hasbegun/eyed/internal/blobformat"
	"github.com/hasbegun/eyed/internal/gallery"
	"github.com/hasbegun/eyed/internal/store"
)

// ReloadGallery rebuilds the in-memory gallery from the database. Rows that
// fail to decode are skipped with a warning; one corrupt blob must not keep
// the other ten thousand identities out of service. In-memory deployments
// have nothing to load from.
func (e *Engine) ReloadGallery(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	rows, err := e.db.LoadTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	templates := make([]*gallery.Template, 0, len(rows))
	for _, row := range rows {
		t, err := e.decodeTemplateRow(row)
		if err != nil {
			e.log.Warn("skipping undecodable template",
				"template_id", row.TemplateID, "format", row.Format, "error", err)
			continue
		}
		templates = append(templates, t)
	}

	e.gal.Replace(templates)
	e.met.GallerySize.Set(float64(len(templates)))
	e.met.GalleryReloads.Inc()
	e.log.Info("gallery loaded",
		"templates", len(templates),
		"skipped", len(rows)-len(templates),
		"version", e.gal.Version())
	return nil
}

// decodeTemplateRow turns one stored row into a matchable template. Blobs
// decrypt first (a no-op for plaintext rows), then the format sniff decides
// between packed-code and ciphertext representations.
func (e *Engine) decodeTemplateRow(row store.TemplateRow) (*gallery.Template, error) {
	irisBlob, err := e.cipher.Decrypt(row.IrisCodes)
	if err != nil {
		return nil, fmt.Errorf("decrypt iris blob: %w", err)
	}
	maskBlob, err := e.cipher.Decrypt(row.MaskCodes)
	if err != nil {
		return nil, fmt.Errorf("decrypt mask blob: %w", err)
	}

	id := row.TemplateID.String()
	ident := row.IdentityID.String()

	switch blobformat.Sniff(irisBlob) {
	case blobformat.FormatHEv1:
		cts, irisPops, err := unpackEncryptedIris(irisBlob)
		if err != nil {
			return nil, err
		}
		maskArrs, err := blobformat.UnpackArrays(maskBlob)
		if err != nil {
			return nil, fmt.Errorf("unpack mask npz: %w", err)
		}
		maskPops := make([]int, len(maskArrs))
		for s, arr := range maskArrs {
			maskPops[s] = arr.Popcount()
		}
		return gallery.NewEncryptedTemplate(id, ident, row.IdentityName, row.EyeSide,
			cts, nil, irisPops, maskPops)

	case blobformat.FormatNPZ:
		irisArrs, err := blobformat.UnpackArrays(irisBlob)
		if err != nil {
			return nil, fmt.Errorf("unpack iris npz: %w", err)
		}
		maskArrs, err := blobformat.UnpackArrays(maskBlob)
		if err != nil {
			return nil, fmt.Errorf("unpack mask npz: %w", err)
		}
		return gallery.NewTemplate(id, ident, row.IdentityName, row.EyeSide, irisArrs, maskArrs)

	default:
		return nil, fmt.Errorf("unrecognized iris blob format")
	}
}
