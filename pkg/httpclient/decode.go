package httpclient

import (
	"bytes"
	"compress/bzip2"
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/qorelanguage/netcore/pkg/qerrors"
	"github.com/qorelanguage/netcore/pkg/socket"
)

// errUnsupportedEncoding marks a Content-Encoding token none of the three
// spec-listed codecs (deflate/gzip/bzip2) cover.
var errUnsupportedEncoding = errors.New("unsupported content-encoding")

// maybeDecode applies Content-Encoding decompression (the three codecs spec
// §1 abstracts as external Decoder: Blob -> String lookups) and then
// charset transcoding. Per spec §4.2 step 12, an unknown or failing
// Content-Encoding is an error on this (non-callback, non-streaming) path;
// callers with a RecvCB/Sink installed never reach maybeDecode, since they
// consume raw bytes directly as they arrive.
func maybeDecode(raw []byte, info *socket.HeaderInfo) ([]byte, error) {
	data := raw
	if ce := strings.ToLower(strings.TrimSpace(info.HeaderValue("Content-Encoding"))); ce != "" {
		decoded, err := decompress(ce, raw)
		if err != nil {
			if errors.Is(err, errUnsupportedEncoding) {
				return nil, qerrors.New(qerrors.KindHTTPClientReceiveError, "decode-body", "", "unsupported content-encoding: "+ce, err)
			}
			return nil, qerrors.New(qerrors.KindHTTPClientReceiveError, "decode-body", "", "decoding content-encoding "+ce+" failed", err)
		}
		data = decoded
	}
	if charset := info.Charset; charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "utf8") {
		if transcoded, ok := transcode(data, charset); ok {
			data = transcoded
		}
	}
	return data, nil
}

func decompress(contentEncoding string, raw []byte) ([]byte, error) {
	var r io.Reader
	switch contentEncoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		r = fr
	case "bzip2":
		r = bzip2.NewReader(bytes.NewReader(raw))
	default:
		return nil, errUnsupportedEncoding
	}
	return io.ReadAll(r)
}

func transcode(data []byte, charset string) ([]byte, bool) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, false
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return nil, false
	}
	return out, true
}
