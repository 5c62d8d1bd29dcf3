package flux

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/kiliankoe/promptchain/internal/game"
)

// result is a generation response reduced to one of its two shapes:
// inlinePayload or remoteReference.
type result interface{ isResult() }

type inlinePayload struct{ data []byte }

type remoteReference struct{ url string }

func (inlinePayload) isResult()   {}
func (remoteReference) isResult() {}

type response struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	// Output is either a URL or a list of URLs.
	Output json.RawMessage `json:"output"`
}

// decodeResult classifies a 2xx body. Any structural problem is an
// ErrProtocol; retrying cannot fix it.
func decodeResult(body []byte) (result, error) {
	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed response body: %v", game.ErrProtocol, err)
	}
	if len(out.Data) > 0 {
		d := out.Data[0]
		if d.B64JSON != "" {
			b, err := decodeBase64(d.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid b64_json payload: %v", game.ErrProtocol, err)
			}
			return inlinePayload{data: b}, nil
		}
		if d.URL != "" {
			return remote(d.URL)
		}
	}
	if len(out.Output) > 0 {
		var single string
		if err := json.Unmarshal(out.Output, &single); err == nil && single != "" {
			return remote(single)
		}
		var many []string
		if err := json.Unmarshal(out.Output, &many); err == nil && len(many) > 0 && many[0] != "" {
			return remote(many[0])
		}
	}
	return nil, fmt.Errorf("%w: response has no image payload", game.ErrProtocol)
}

func remote(raw string) (result, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid image url %q", game.ErrProtocol, raw)
	}
	return remoteReference{url: u.String()}, nil
}

func decodeBase64(s string) ([]byte, error) {
	// tolerate data URIs
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return b, nil
}
