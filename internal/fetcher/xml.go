package fetcher

import (
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
)

// DecodeXML decodes a single XML document into T. The decoder is
// charset-aware; authority records occasionally declare legacy encodings.
func DecodeXML[T any](r io.Reader) (*T, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var doc T
	if err := decoder.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "xml: decode document")
	}
	return &doc, nil
}
