package scanner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blesync/internal/device"
)

// EddystoneService is the 16-bit Eddystone service UUID.
var EddystoneService = device.NormalizeUUID("feaa")

const eddystoneURLFrame = 0x10

var (
	ErrNotEddystoneURL = errors.New("not an Eddystone-URL frame")

	urlSchemes = []string{"http://www.", "https://www.", "http://", "https://"}

	urlExpansions = []string{
		".com/", ".org/", ".edu/", ".net/", ".info/", ".biz/", ".gov/",
		".com", ".org", ".edu", ".net", ".info", ".biz", ".gov",
	}
)

// DecodeEddystoneURL decodes Eddystone-URL service data: frame type, TX power, scheme prefix and
// the compressed URL.
func DecodeEddystoneURL(data []byte) (string, error) {
	if len(data) < 3 || data[0] != eddystoneURLFrame {
		return "", ErrNotEddystoneURL
	}
	scheme := int(data[2])
	if scheme >= len(urlSchemes) {
		return "", fmt.Errorf("%w: unknown URL scheme 0x%02x", ErrNotEddystoneURL, scheme)
	}

	var b strings.Builder
	b.WriteString(urlSchemes[scheme])
	for _, c := range data[3:] {
		if int(c) < len(urlExpansions) {
			b.WriteString(urlExpansions[c])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// EddystoneURL returns the URL advertised by adv, if any.
func EddystoneURL(adv device.Advertisement) (string, bool) {
	for _, sd := range adv.ServiceData() {
		if device.NormalizeUUID(sd.UUID) != EddystoneService {
			continue
		}
		url, err := DecodeEddystoneURL(sd.Data)
		if err == nil {
			return url, true
		}
	}
	return "", false
}
