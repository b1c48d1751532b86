package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"
)

// CleanParams removes keys whose value is empty, so optional parameters
// never reach the query string.
func CleanParams(params url.Values) url.Values {
	out := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				out.Add(k, v)
			}
		}
	}
	return out
}

// Timestamp returns the current time as a millisecond epoch string, the
// format signed REST endpoints expect.
func Timestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// SignQuery produces the signed query string for an authenticated request:
// parameters are cleaned, a timestamp is appended, keys are sorted by
// url.Values encoding, and an HMAC-SHA256 signature over the encoded query
// is attached as the final "signature" parameter.
func SignQuery(params url.Values, apiSecret string, now time.Time) (string, error) {
	if apiSecret == "" {
		return "", errors.New("api secret is required to sign a request")
	}

	cleaned := CleanParams(params)
	cleaned.Set("timestamp", Timestamp(now))

	payload := cleaned.Encode()
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	return payload + "&signature=" + signature, nil
}
