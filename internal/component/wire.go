package component

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// EncodeRequest serializes req into the byte buffer passed through the
// host/guest request contract both engine backends share: a standard
// HTTP/1.1 request line, headers, and body. Any guest toolchain can
// parse this with an ordinary HTTP parser rather than a bespoke framing
// format.
func EncodeRequest(req *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a guest's response buffer back into an
// *http.Response with its body fully buffered.
func DecodeResponse(b []byte) (*http.Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
