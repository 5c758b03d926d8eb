package meterconf

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/meterreader/internal/errors"
	"gopkg.in/yaml.v3"
)

// Format of a document file, chosen by extension.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatOf returns the format for path.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return FormatJSON, false
	}
}

// Store loads and saves the document at a fixed path.
type Store struct {
	path   string
	format Format
}

func NewStore(path string) (*Store, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, errors.New().WithData(ErrUnknownFormat, path)
	}
	return &Store{path: path, format: format}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the document. Keys absent from the file keep their defaults.
func (s *Store) Load() (*Document, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errFactory.Wrap(ErrReadDocument, err)
	}

	doc, err := Decode(data, s.format)
	if err != nil {
		return nil, err
	}

	if err := doc.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidDocument, err)
	}

	return doc, nil
}

// Save writes doc atomically: a temporary file in the same directory is
// written, synced and renamed over the target.
func (s *Store) Save(doc *Document) error {
	errFactory := errors.New()

	data, err := Encode(doc, s.format)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return errFactory.Wrap(ErrWriteDocument, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errFactory.Wrap(ErrWriteDocument, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errFactory.Wrap(ErrWriteDocument, err)
	}
	if err := tmp.Close(); err != nil {
		return errFactory.Wrap(ErrWriteDocument, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return errFactory.Wrap(ErrWriteDocument, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errFactory.Wrap(ErrWriteDocument, err)
	}

	return nil
}

// Decode parses data over DefaultDocument.
func Decode(data []byte, format Format) (*Document, error) {
	doc := DefaultDocument()

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrDecodeDocument, err)
	}

	if doc.ImgMaskDesc.DigMasks == nil {
		doc.ImgMaskDesc.DigMasks = map[int]Rect{}
	}

	return doc, nil
}

// Encode renders doc in format.
func Encode(doc *Document, format Format) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(doc)
		if err == nil {
			err = enc.Close()
		}
	default:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "    ")
		err = enc.Encode(doc)
	}
	if err != nil {
		return nil, errors.New().Wrap(ErrEncodeDocument, err)
	}

	return buf.Bytes(), nil
}
